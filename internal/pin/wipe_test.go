package pin

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWipe(t *testing.T) {
	t.Run("zeros the buffer", func(t *testing.T) {
		data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
		wipe(data)
		assert.True(t, bytes.Equal(data, make([]byte, len(data))))
	})

	t.Run("tolerates empty and nil", func(t *testing.T) {
		wipe([]byte{})
		wipe(nil)
	})

	t.Run("zeros a large buffer", func(t *testing.T) {
		data := make([]byte, 1024)
		for i := range data {
			data[i] = byte(i)
		}
		wipe(data)
		for i := range data {
			assert.Equal(t, byte(0), data[i])
		}
	})
}
