package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "register", want: command{name: cmdRegister}},
		{line: "  CALL bob@example.com ", want: command{name: cmdCall, arg: "sip:bob@example.com"}},
		{line: "call sips:bob@example.com", want: command{name: cmdCall, arg: "sips:bob@example.com"}},
		{line: "bye", want: command{name: cmdHangup}},
		{line: "q", want: command{name: cmdQuit}},
		{line: "status", want: command{name: cmdStatus}},
		{line: "", wantErr: true},
		{line: "call", wantErr: true},
		{line: "hold now", wantErr: true},
		{line: "transfer bob", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
