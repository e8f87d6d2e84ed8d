package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hivecrm/dispatch/internal/domain"
)

func TestClientSendSuccess(t *testing.T) {
	var gotPath string
	var gotPayload map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", auth)
		}
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":        "BAE5ABCDEF123456",
			"recipient": "+4915112345678",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 5*time.Second)
	result, err := client.Send(context.Background(), "chan-1", "+49 151 12345678", Content{
		Kind: domain.TemplateText,
		Body: "hello",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotPath != "/channels/chan-1/messages" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotPayload["body"] != "hello" {
		t.Errorf("body not forwarded: %v", gotPayload)
	}
	if result.MessageID != "BAE5ABCDEF123456" {
		t.Errorf("unexpected message id: %s", result.MessageID)
	}
	if result.ConfirmedAddress != "+4915112345678" {
		t.Errorf("confirmed address not taken from response: %s", result.ConfirmedAddress)
	}
}

func TestClientSendInvalidRecipient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"exists":false,"jid":"4900000@s.whatsapp.net"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 5*time.Second)
	_, err := client.Send(context.Background(), "chan-1", "+490000000", Content{
		Kind: domain.TemplateText,
		Body: "hello",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != Invalid {
		t.Errorf("expected invalid classification, got %s", Classify(err))
	}
}

func TestClientSendServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"session disconnected"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 5*time.Second)
	_, err := client.Send(context.Background(), "chan-1", "+4915112345678", Content{
		Kind: domain.TemplateText,
		Body: "hello",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != Transient {
		t.Errorf("server error should classify transient, got %s", Classify(err))
	}
}

func TestClientSendMissingAPIKey(t *testing.T) {
	client := NewClient("http://unused", "", time.Second)
	if _, err := client.Send(context.Background(), "c", "+1", Content{Kind: domain.TemplateText}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestClientDeleteForEveryone(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 5*time.Second)
	err := client.DeleteForEveryone(context.Background(), "chan-1", "BAE5ABC", "+4915112345678")
	if err != nil {
		t.Fatalf("DeleteForEveryone failed: %v", err)
	}
	if gotPath != "/channels/chan-1/messages/BAE5ABC/revoke" {
		t.Errorf("unexpected path: %s", gotPath)
	}
}

func TestClientDeleteSkipsPlaceholderID(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 5*time.Second)
	if err := client.DeleteForEveryone(context.Background(), "chan-1", "3EB0LOCAL", "+49151"); err != nil {
		t.Fatalf("expected nil for placeholder id, got %v", err)
	}
	if called {
		t.Error("placeholder id must not reach the network")
	}
}

func TestClientDeleteRemoteFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("session lost"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 5*time.Second)
	if err := client.DeleteForEveryone(context.Background(), "chan-1", "BAE5X", "+49151"); err == nil {
		t.Fatal("expected error on remote failure")
	}
}
