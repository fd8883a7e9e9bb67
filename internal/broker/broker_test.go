package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/signals/Vehicle.Speed", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Signal{Path: "Vehicle.Speed", Value: 42.5})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	sig, err := c.Get(context.Background(), "Vehicle.Speed")
	require.NoError(t, err)
	require.Equal(t, "Vehicle.Speed", sig.Path)
	require.Equal(t, 42.5, sig.Value)
}

func TestGetSignalNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown signal", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Get(context.Background(), "Vehicle.Nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestSetSignal(t *testing.T) {
	var got Signal
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/signals", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	require.NoError(t, c.Set(context.Background(), "Vehicle.Cabin.Lights", true))
	require.Equal(t, "Vehicle.Cabin.Lights", got.Path)
	require.Equal(t, true, got.Value)
}

func TestIsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	c := New(Config{BaseURL: srv.URL})
	require.True(t, c.IsReachable(context.Background()))

	srv.Close()
	require.False(t, c.IsReachable(context.Background()))
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	require.Equal(t, "http://localhost:55555", c.Address())
}
