package relayerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"not connected", NotConnected("read"), KindNotConnected},
		{"wrapped timeout", fmt.Errorf("relay 3: %w", BusTimeout("read", errors.New("serial: timeout"))), KindBusTimeout},
		{"validation", Validation("bad relay %d", 0), KindValidation},
		{"bare kind", KindNotFound, KindNotFound},
		{"plain error", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	cause := errors.New("serial: timeout")
	err := fmt.Errorf("tick: %w", BusTimeout("write_coil", cause))

	assert.True(t, errors.Is(err, KindBusTimeout))
	assert.False(t, errors.Is(err, KindBus))
	assert.True(t, errors.Is(err, cause))
}

func TestErrorMessage(t *testing.T) {
	err := Validation("relay number must be >= 1, got %d", 0)
	assert.Equal(t, "validation: relay number must be >= 1, got 0", err.Error())

	err = Store("save", errors.New("disk full"))
	assert.Equal(t, "save: store: disk full", err.Error())
}
