package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"

	"github.com/diwise/fleet-mgmt/pkg/types"
)

var principal = types.Principal{Tenant: "acme", Admin: true}

func TestGetDevice(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.Method, http.MethodGet)
		is.Equal(r.URL.Path, "/api/v0/devices/cam-01")
		is.Equal(r.Header.Get("X-Tenant"), "acme")
		is.Equal(r.Header.Get("X-Admin"), "true")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"deviceID":"cam-01","tenant":"acme","name":"gate camera","status":"online"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, principal)

	device, err := c.GetDevice(context.Background(), "cam-01")
	is.NoErr(err)
	is.Equal(device.Name, "gate camera")
	is.Equal(device.Status, types.DeviceStatusOnline)
}

func TestGetDeviceReportsUnexpectedStatus(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, principal)

	_, err := c.GetDevice(context.Background(), "nope")
	is.True(err != nil)
}

func TestEnqueueCommand(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.Method, http.MethodPost)
		is.Equal(r.URL.Path, "/api/v0/devices/cam-01/commands")
		is.Equal(r.Header.Get("Content-Type"), "application/json")

		var req struct {
			Type   string          `json:"type"`
			Params json.RawMessage `json:"params"`
		}
		is.NoErr(json.NewDecoder(r.Body).Decode(&req))
		is.Equal(req.Type, "reboot")

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"commandID":"c-1","deviceID":"cam-01","type":"reboot","status":"queued"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, principal)

	cmd, err := c.EnqueueCommand(context.Background(), "cam-01", "reboot", json.RawMessage(`{"delay":5}`))
	is.NoErr(err)
	is.Equal(cmd.Status, types.CommandQueued)
}

func TestCommandHistoryPassesLimit(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Query().Get("limit"), "5")
		w.Write([]byte(`{"Data":[{"commandID":"c-1"},{"commandID":"c-2"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, principal)

	history, err := c.CommandHistory(context.Background(), "cam-01", 5)
	is.NoErr(err)
	is.Equal(len(history), 2)
}

func TestCameraSession(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			is.Equal(r.URL.Path, "/api/v0/devices/cam-01/camera")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"sessionToken":"tok-1","deviceID":"cam-01","state":"awaiting-answer"}`))
		case http.MethodDelete:
			is.Equal(r.URL.Path, "/api/v0/camera/tok-1")
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, principal)

	token, err := c.StartCameraSession(context.Background(), "cam-01")
	is.NoErr(err)
	is.Equal(token, "tok-1")

	is.NoErr(c.StopCameraSession(context.Background(), "tok-1"))
}
