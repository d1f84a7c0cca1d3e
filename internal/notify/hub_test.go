// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, srv *httptest.Server, org string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?org=" + org
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, hub *Hub, org string, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers(org) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("org %s never reached %d subscribers", org, want)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "acme")
	waitForSubscribers(t, hub, "acme", 1)

	hub.Publish(context.Background(), "acme", Change{QueryKey: RunsQueryKey("acme")})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Change
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []string{"organizations", "acme", "runs"}
	if !reflect.DeepEqual(got.QueryKey, want) {
		t.Errorf("QueryKey = %v, want %v", got.QueryKey, want)
	}
}

func TestHubOrgIsolation(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	acme := dialHub(t, srv, "acme")
	rival := dialHub(t, srv, "rival")
	waitForSubscribers(t, hub, "acme", 1)
	waitForSubscribers(t, hub, "rival", 1)

	hub.Publish(context.Background(), "acme", Change{QueryKey: RunsQueryKey("acme")})

	acme.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Change
	if err := acme.ReadJSON(&got); err != nil {
		t.Fatalf("acme read: %v", err)
	}

	// The rival org must see nothing.
	rival.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var leak Change
	if err := rival.ReadJSON(&leak); err == nil {
		t.Errorf("change leaked across organizations: %v", leak)
	}
}

func TestHubRejectsMissingOrg(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without org parameter")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("expected 400 response, got %v", resp)
	}
}

func TestHubPublishWithNoSubscribers(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	// Must not panic or block.
	hub.Publish(context.Background(), "empty", Change{QueryKey: RunsQueryKey("empty")})
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = Nop{}
	n.Publish(context.Background(), "acme", Change{QueryKey: RunsQueryKey("acme")})
}
