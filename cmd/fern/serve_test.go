package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMode(t *testing.T) {
	tests := []struct {
		mode   mode
		api    bool
		worker bool
		split  bool
	}{
		{mode: modeAll, api: true, worker: true},
		{mode: modeAPI, api: true, split: true},
		{mode: modeWorker, worker: true, split: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.api, tt.mode.api())
			assert.Equal(t, tt.worker, tt.mode.worker())
			assert.Equal(t, tt.split, tt.mode.split(), "split processes must share circuit state")
		})
	}
}
