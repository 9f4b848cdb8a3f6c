package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func (r *recordingT) Helper() {}

func TestTextAsserter(t *testing.T) {
	rt := &recordingT{}
	ta := NewTextAsserter(rt)

	ta.Assert("a  \nb\n\n", "a\nb")
	assert.Empty(t, rt.errors)

	ta.Assert("a\nc", "a\nb")
	assert.Len(t, rt.errors, 1)
	assert.Contains(t, rt.errors[0], "-b")
	assert.Contains(t, rt.errors[0], "+c")
}

func TestJSONAsserter(t *testing.T) {
	rt := &recordingT{}
	ja := NewJSONAsserter(rt, WithIgnoredFields("last_seen"))

	ja.Assert(`{"uuid":"x","online":true,"last_seen":"now","extra":1}`,
		`{"uuid":"<<PRESENCE>>","online":true,"last_seen":"then"}`)
	assert.Empty(t, rt.errors)

	ja.Assert(`[{"online":false}]`, `[{"online":true}]`)
	assert.Len(t, rt.errors, 1)
}
