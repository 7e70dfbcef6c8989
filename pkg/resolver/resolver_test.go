package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonScript = `window.x = 1;
var _avatar = [
  {"name": "忘归人", "id": 1225, "rarity": 5},
  {"name": "三月七", "id": "1001"}
];
var _other = [];`

const lenientScript = `var _avatar = [
  {name: '忘归人', id: 1225},
  {name: '三月七', id: 1001}
];`

const indexPage = `<html><body>
<div class="grid">
  <div class="avatar-card hover-shadow rar-4"><a href="/sr/char#_1001"><p>4</p><p>三月七</p></a></div>
  <div class="avatar-card hover-shadow rar-5"><a href="/sr/char?lang=CH#_1225"><img/><p>5</p><p> 忘归人 </p></a></div>
  <div class="avatar-card hover-shadow rar-5"><a href="/sr/char#_1310"><p>5</p><p>流萤</p></a></div>
  <div class="avatar-card hover-shadow rar-5"><a href="/sr/char#_1302"><p>5</p><p>流萤·测试</p></a></div>
</div>
</body></html>`

func serve(t *testing.T, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newScript(t *testing.T, url string) *ScriptResolver {
	t.Helper()
	r, err := NewScriptResolver(ScriptOptions{
		URL:         url,
		StartMarker: "var _avatar = ",
		EndMarker:   "];",
	})
	require.NoError(t, err)
	return r
}

func TestScriptResolver_JSON(t *testing.T) {
	srv := serve(t, jsonScript, nil)
	r := newScript(t, srv.URL)

	id, err := r.Resolve(context.Background(), "忘归人")
	require.NoError(t, err)
	assert.Equal(t, "1225", id)

	id, err = r.Resolve(context.Background(), "三月七")
	require.NoError(t, err)
	assert.Equal(t, "1001", id)
}

func TestScriptResolver_LenientLiteral(t *testing.T) {
	srv := serve(t, lenientScript, nil)
	r := newScript(t, srv.URL)

	id, err := r.Resolve(context.Background(), "忘归人")
	require.NoError(t, err)
	assert.Equal(t, "1225", id)
}

func TestScriptResolver_NotFound(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		lookup string
	}{
		{"unknown name", jsonScript, "不存在"},
		{"empty name", jsonScript, ""},
		{"missing start marker", `var other = [];`, "忘归人"},
		{"missing end marker", `var _avatar = [{"name": "忘归人"}`, "忘归人"},
		{"garbage literal", `var _avatar = [{{{ ];`, "忘归人"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.body, nil)
			_, err := newScript(t, srv.URL).Resolve(context.Background(), tt.lookup)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestScriptResolver_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newScript(t, srv.URL).Resolve(context.Background(), "忘归人")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestScriptResolver_Refresh(t *testing.T) {
	var hits atomic.Int32
	srv := serve(t, jsonScript, &hits)
	r := newScript(t, srv.URL)
	r.opts.RefreshInterval = time.Hour

	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "忘归人")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(2 * time.Hour)
	_, err := r.Resolve(context.Background(), "忘归人")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNewScriptResolver_Validation(t *testing.T) {
	_, err := NewScriptResolver(ScriptOptions{})
	assert.Error(t, err)
	_, err = NewScriptResolver(ScriptOptions{URL: "http://x"})
	assert.Error(t, err)
}

func TestExtractArray(t *testing.T) {
	got, err := extractArray([]byte(jsonScript), "var _avatar = ", "];")
	require.NoError(t, err)
	assert.True(t, got[0] == '[' && got[len(got)-1] == ']')
	assert.NotContains(t, string(got), "_other")
}

func TestHTMLResolver(t *testing.T) {
	srv := serve(t, indexPage, nil)
	r, err := NewHTMLResolver(HTMLOptions{URL: srv.URL, NameParagraph: 1})
	require.NoError(t, err)

	tests := []struct {
		name string
		want string
	}{
		{"忘归人", "1225"},
		{"流萤", "1310"},
		{"测试", "1302"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := r.Resolve(context.Background(), tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}

	// rar-4 cards are filtered out by the default classes.
	_, err = r.Resolve(context.Background(), "三月七")
	assert.ErrorIs(t, err, ErrNotFound)
}

type stubResolver struct {
	id  string
	err error
}

func (s stubResolver) Resolve(context.Context, string) (string, error) {
	return s.id, s.err
}

func TestChain(t *testing.T) {
	ctx := context.Background()

	id, err := Chain{stubResolver{err: ErrUnavailable}, stubResolver{id: "42"}}.Resolve(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	_, err = Chain{stubResolver{err: ErrUnavailable}, stubResolver{err: ErrNotFound}}.Resolve(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Chain{stubResolver{err: ErrUnavailable}, stubResolver{err: ErrUnavailable}}.Resolve(ctx, "x")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = Chain{}.Resolve(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Chain{stubResolver{err: errors.New("boom")}}.Resolve(cancelled, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
