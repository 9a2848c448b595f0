package listener

import (
	"errors"
	"fmt"
	"testing"

	"github.com/plogd/plogd/internal/stats"
	"github.com/plogd/plogd/pkg/proto"
	"github.com/stretchr/testify/assert"
)

func TestCommandHandler(t *testing.T) {
	s := stats.New("test")
	h := NewCommandHandler(CommandConfig{
		Reporter: s,
		Stats:    func() ([]byte, error) { return []byte(`{"ok":true}`), nil },
		Env:      func() ([]byte, error) { return nil, errors.New("no config") },
	})

	assert.Equal(t, []byte("PONG"), h.Handle(&proto.Command{Name: "PING"}))
	assert.Equal(t, []byte("PONGabc"), h.Handle(&proto.Command{Name: "pInG", Trailer: []byte("abc")}))
	assert.Equal(t, []byte(`{"ok":true}`), h.Handle(&proto.Command{Name: "stat"}))
	assert.Nil(t, h.Handle(&proto.Command{Name: "ENVI"}), "render errors send no reply")
	assert.Nil(t, h.Handle(&proto.Command{Name: "WHAT"}))

	snap := s.Snapshot()
	assert.Equal(t, int64(4), snap.V0Commands)
	assert.Equal(t, int64(1), snap.UnknownCommand)
	assert.Equal(t, int64(1), snap.Exceptions)
}

func TestCommandHandler_Kill(t *testing.T) {
	tests := []struct {
		allow    bool
		wantExit bool
	}{
		{allow: false, wantExit: false},
		{allow: true, wantExit: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("allow=%v", tt.allow), func(t *testing.T) {
			exited := false
			h := NewCommandHandler(CommandConfig{
				Reporter:  stats.New("test"),
				AllowKill: tt.allow,
				Exit:      func(int) { exited = true },
			})
			assert.Nil(t, h.Handle(&proto.Command{Name: "kill"}))
			assert.Equal(t, tt.wantExit, exited)
		})
	}
}

func TestCountParseError(t *testing.T) {
	s := stats.New("test")
	for _, data := range [][]byte{
		{},
		{7},
		{0, 4},
		{0, 1, 0},
		{0, 0, 'A'},
	} {
		_, err := proto.Parse(data, 1)
		if assert.Error(t, err) {
			countParseError(s, err)
		}
	}

	snap := s.Snapshot()
	assert.Equal(t, int64(1), snap.UDPInvalidVersion)
	assert.Equal(t, int64(1), snap.V0InvalidType)
	assert.Equal(t, int64(1), snap.V0InvalidMultipartHeader)
	assert.Equal(t, int64(1), snap.UnknownCommand)
}
