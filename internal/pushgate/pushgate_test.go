package pushgate

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var origin = &url.URL{Scheme: "https", Host: "farm.example"}

func TestDecode(t *testing.T) {
	t.Run("all string fields accepted", func(t *testing.T) {
		p, ok := Decode([]byte(`{"title":"Order shipped","body":"On its way","url":"/orders/7","orderId":"7","tag":"orders"}`))
		require.True(t, ok)
		assert.Equal(t, "Order shipped", p.Title)
		assert.Equal(t, "/orders/7", p.URL)
		assert.Equal(t, "7", p.OrderID)
	})

	t.Run("cross-origin url passes the string check", func(t *testing.T) {
		// Structural validation only checks types; the URL is handled by
		// sanitization, not rejection of the whole payload.
		p, ok := Decode([]byte(`{"title":"x","url":"https://evil.example"}`))
		require.True(t, ok)
		assert.Equal(t, "https://evil.example", p.URL)
	})

	t.Run("non-string field rejects the payload", func(t *testing.T) {
		_, ok := Decode([]byte(`{"title":5}`))
		assert.False(t, ok)
		_, ok = Decode([]byte(`{"url":["a"]}`))
		assert.False(t, ok)
	})

	t.Run("non-object payloads rejected", func(t *testing.T) {
		for _, raw := range []string{`"hi"`, `42`, `[1,2]`, `null`, `{broken`} {
			_, ok := Decode([]byte(raw))
			assert.False(t, ok, "payload %s", raw)
		}
	})

	t.Run("unknown fields ignored", func(t *testing.T) {
		p, ok := Decode([]byte(`{"title":"x","weird":{"nested":true}}`))
		require.True(t, ok)
		assert.Equal(t, "x", p.Title)
	})
}

func TestSanitizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"relative path", "/orders/7", "/orders/7"},
		{"same-origin absolute", "https://farm.example/orders/7?tab=items", "/orders/7?tab=items"},
		{"cross-origin rejected", "https://evil.example/phish", "/"},
		{"javascript scheme rejected", "javascript:alert(1)", "/"},
		{"empty falls back to root", "", "/"},
		{"garbage rejected", "http://[broken", "/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeURL(tc.in, origin))
		})
	}
}

func TestBuildDefaults(t *testing.T) {
	n := Build(Payload{Body: "Your basket is ready"}, origin)
	assert.Equal(t, "Notification", n.Title)
	assert.Equal(t, DefaultIcon, n.Icon)
	assert.Equal(t, DefaultBadge, n.Badge)
	assert.Equal(t, DefaultTag, n.Tag)
	assert.Equal(t, "/", n.URL)
	require.Len(t, n.Actions, 2)
	assert.Equal(t, ActionView, n.Actions[0].ID)
	assert.Equal(t, ActionDismiss, n.Actions[1].ID)

	custom := Build(Payload{Title: "t", Icon: "/i.png", Tag: "orders", URL: "/orders/7"}, origin)
	assert.Equal(t, "t", custom.Title)
	assert.Equal(t, "/i.png", custom.Icon)
	assert.Equal(t, "orders", custom.Tag)
	assert.Equal(t, "/orders/7", custom.URL)
}

func TestClick(t *testing.T) {
	n := Build(Payload{URL: "/orders/7"}, origin)

	out := Click(ActionDismiss, n)
	assert.True(t, out.Dismissed)
	assert.Empty(t, out.Navigate, "dismiss closes with no navigation")

	out = Click(ActionView, n)
	assert.False(t, out.Dismissed)
	assert.Equal(t, "/orders/7", out.Navigate)
	assert.True(t, out.FocusExisting)

	// Clicking the notification body behaves like view.
	out = Click("", n)
	assert.Equal(t, "/orders/7", out.Navigate)
}

func TestPipelineHandle(t *testing.T) {
	var published []Notification
	p := NewPipeline(origin, func(n Notification) { published = append(published, n) }, zap.NewNop())

	t.Run("valid payload publishes", func(t *testing.T) {
		n, ok := p.Handle([]byte(`{"title":"x","url":"https://evil.example"}`))
		require.True(t, ok)
		assert.Equal(t, "/", n.URL, "hostile url replaced before display")
		assert.Len(t, published, 1)
	})

	t.Run("invalid payload drops with no side effects", func(t *testing.T) {
		published = nil
		_, ok := p.Handle([]byte(`{"title":5}`))
		assert.False(t, ok)
		assert.Empty(t, published)
	})
}
