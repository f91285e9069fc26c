package rbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSince(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "$"},
		{"empty string", "", "$"},
		{"literal tail", "$", "$"},
		{"pass-through id", "123-4", "123-4"},
		{"time", time.UnixMilli(1700000000123), "1700000000123-0"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, NormalizeSince(c.in))
		})
	}
}

func TestDecrementStreamID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id   string
		want string
	}{
		{"0-0", "0-0"},
		{"5-0", "4-9999"},
		{"5-3", "5-2"},
		{"100-0", "99-9999"},
	}
	for _, c := range cases {
		t.Run(c.id, func(t *testing.T) {
			assert.Equal(t, c.want, DecrementStreamID(c.id))
		})
	}
}

func TestDecrementStreamIDMalformed(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "not-an-id", DecrementStreamID("not-an-id"))
}
