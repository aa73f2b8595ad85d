package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_NumericID(t *testing.T) {
	t.Parallel()

	n, err := Parse([]byte(`{"type":"toast","id":42,"title":"Hint unlocked","html":"<p>Look closer</p>","sound":true}`))
	require.NoError(t, err)

	assert.Equal(t, "42", n.ID)
	assert.Equal(t, TypeToast, n.Type)
	assert.Equal(t, "Hint unlocked", n.Title)
	assert.Equal(t, "<p>Look closer</p>", n.HTML)
	assert.True(t, n.Sound)
}

func TestParse_StringID(t *testing.T) {
	t.Parallel()

	n, err := Parse([]byte(`{"type":"alert","id":"abc-1","title":"Maintenance"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc-1", n.ID)
	assert.False(t, n.Sound)
}

func TestParse_ContentFallback(t *testing.T) {
	t.Parallel()

	n, err := Parse([]byte(`{"type":"toast","id":1,"title":"t","content":"plain body"}`))
	require.NoError(t, err)
	assert.Equal(t, "plain body", n.HTML)

	n, err = Parse([]byte(`{"type":"toast","id":1,"title":"t","html":"h","content":"c"}`))
	require.NoError(t, err)
	assert.Equal(t, "h", n.HTML, "html wins over content")
}

func TestParse_UnknownTypeIsKept(t *testing.T) {
	t.Parallel()

	n, err := Parse([]byte(`{"type":"confetti","id":7}`))
	require.NoError(t, err)
	assert.Equal(t, Type("confetti"), n.Type)
	assert.Equal(t, TypeOther, n.Type.Kind())
}

func TestParse_RejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":     `{"type":`,
		"missing id":   `{"type":"toast","title":"x"}`,
		"null id":      `{"type":"toast","id":null}`,
		"empty id":     `{"type":"toast","id":""}`,
		"object id":    `{"type":"toast","id":{"a":1}}`,
		"missing type": `{"id":3}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestType_Kind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, TypeToast, TypeToast.Kind())
	assert.Equal(t, TypeAlert, TypeAlert.Kind())
	assert.Equal(t, TypeBackground, TypeBackground.Kind())
	assert.Equal(t, TypeOther, Type("").Kind())
}

func TestNotification_Body_StripsMarkup(t *testing.T) {
	t.Parallel()

	n := Notification{HTML: "<div><p>Look closer at the banner</p></div>"}
	assert.Equal(t, "Look closer at the banner", n.Body())
	assert.Empty(t, Notification{}.Body())
}
