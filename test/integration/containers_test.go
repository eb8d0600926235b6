//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Connection strings for the containers started in TestMain.
var (
	redisURL    string
	postgresDSN string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	redisC, url, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis: %v\n", err)
		os.Exit(1)
	}
	redisURL = url

	postgresC, dsn, err := startPostgres(ctx)
	if err != nil {
		_ = redisC.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}
	postgresDSN = dsn

	code := m.Run()

	_ = postgresC.Terminate(ctx)
	_ = redisC.Terminate(ctx)
	os.Exit(code)
}

func startRedis(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return container, "", err
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return container, "", err
	}
	return container, fmt.Sprintf("redis://%s:%s/0", host, port.Port()), nil
}

func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "fern",
				"POSTGRES_PASSWORD": "fern",
				"POSTGRES_DB":       "fern",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return container, "", err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return container, "", err
	}
	return container, fmt.Sprintf("host=%s port=%s user=fern password=fern dbname=fern sslmode=disable", host, port.Port()), nil
}
