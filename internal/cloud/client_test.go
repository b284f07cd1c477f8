package cloud

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeTestJSON(w, []Installation{})
	}))
	defer srv.Close()

	c := testClient(srv, nil)
	c.SetTokens(Tokens{Token: "abc"})

	res, err := c.Installations(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "Bearer abc", got.Get("Authorization"))
	assert.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.NotEmpty(t, got.Get("Accept"))
}

func TestClientOmitsBearerWithoutToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		writeTestJSON(w, Login{})
	}))
	defer srv.Close()

	_, err := testClient(srv, nil).IsLoggedIn(context.Background())
	require.NoError(t, err)
	assert.Empty(t, auth)
}

func TestClientLoginMasksPasswordInLogsOnly(t *testing.T) {
	v, srv := startVendor(t)
	v.password = "hunter22"
	v.loginTokens = Tokens{Token: "tok", RefreshToken: "ref"}

	logger := &captureLogger{}
	res, err := testClient(srv, logger).Login(context.Background(), "user@example.com", "hunter22")
	require.NoError(t, err)
	require.True(t, res.OK, "server must have received the real password")
	assert.Equal(t, "tok", res.Value.Token)
	assert.Equal(t, "ref", res.Value.RefreshToken)

	logs := logger.joined()
	assert.NotContains(t, logs, "hunter22")
	assert.Contains(t, logs, `"password":"********"`)
	assert.Contains(t, logs, DirectionSend)
	assert.Contains(t, logs, DirectionReceive)
}

func TestMaskSecretsNested(t *testing.T) {
	out := maskSecrets([]byte(`{"user":{"password":"abc"},"list":[{"password":"héllo"}],"n":1}`))
	assert.Contains(t, out, `"password":"***"`)
	assert.Contains(t, out, `"password":"*****"`)
	assert.NotContains(t, out, "abc")
}

func TestClientFailureCarriesStatus(t *testing.T) {
	_, srv := startVendor(t)
	res, err := testClient(srv, nil).IsLoggedIn(context.Background())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusUnauthorized, res.Status)

	var se *StatusError
	require.True(t, errors.As(res.Err, &se))
	assert.Equal(t, "401 Unauthorized", se.Status)
}

func TestClientNonJSONFallsBackToText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	res, err := testClient(srv, nil).IsLoggedIn(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "OK", res.Text)
}

func TestClientTransportFault(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := testClient(srv, nil)
	srv.Close()

	_, err := c.Installations(context.Background())
	assert.Error(t, err)
}

func TestRefreshWithoutTokenMakesNoRequest(t *testing.T) {
	v, srv := startVendor(t)
	res, err := testClient(srv, nil).RefreshToken(context.Background())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrMissingRefreshToken)
	assert.Empty(t, v.callLog())
}

func TestRefreshUsesHeldToken(t *testing.T) {
	v, srv := startVendor(t)
	v.refreshTokens["old-rt"] = Tokens{Token: "new", RefreshToken: "new-rt"}

	c := testClient(srv, nil)
	c.SetTokens(Tokens{RefreshToken: "old-rt"})
	res, err := c.RefreshToken(context.Background())
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, Tokens{Token: "new", RefreshToken: "new-rt"}, res.Value)
}
