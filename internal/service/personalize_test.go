package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const markerBody = `<div class="edge--show-if-mirrored">mirror only</div>
<div class="edge--show-if-cookie">signed in</div>
<div class="edge--show-if-not-cookie">signed out</div>`

func TestPersonalizeWithSession(t *testing.T) {
	var p Personalizer

	out := string(p.Apply([]byte(markerBody), "text/html; charset=utf-8", true))

	assert.Contains(t, out, `<div class="edge--hide">mirror only</div>`)
	assert.Contains(t, out, `<div class="edge--show">signed in</div>`)
	assert.Contains(t, out, `<div class="edge--hide">signed out</div>`)
}

func TestPersonalizeWithoutSession(t *testing.T) {
	var p Personalizer

	out := string(p.Apply([]byte(markerBody), "text/html", false))

	assert.Contains(t, out, `<div class="edge--hide">mirror only</div>`)
	assert.Contains(t, out, `<div class="edge--hide">signed in</div>`)
	assert.Contains(t, out, `<div class="edge--show">signed out</div>`)
}

func TestPersonalizeIsDeterministic(t *testing.T) {
	var p Personalizer

	first := p.Apply([]byte(markerBody), "text/html", true)
	second := p.Apply([]byte(markerBody), "text/html", true)

	assert.Equal(t, first, second)
}

func TestPersonalizeSkipsNonHTML(t *testing.T) {
	var p Personalizer

	body := []byte(`{"class": "edge--show-if-cookie"}`)
	assert.Equal(t, body, p.Apply(body, "application/json", true))
	assert.Equal(t, body, p.Apply(body, "", true))
}

func TestIsHTML(t *testing.T) {
	assert.True(t, IsHTML("text/html"))
	assert.True(t, IsHTML("text/html; charset=utf-8"))
	assert.False(t, IsHTML("text/plain"))
	assert.False(t, IsHTML("application/json"))
	assert.False(t, IsHTML(""))
}
