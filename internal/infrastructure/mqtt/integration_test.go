//go:build integration

package mqtt

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/config"
)

// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//
//	go test -tags=integration -count=1 -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client, err := Connect(integrationConfig("nxm-int-sub-track"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topics := []string{
		Topics{}.Command("Output1"),
		Topics{}.Command("Output2"),
		Topics{}.AllStates(),
	}
	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, func(string, []byte) error { return nil }); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	if got := client.SubscriptionCount(); got != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", got, len(topics))
	}

	if err := client.Unsubscribe(topics[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topics[0]) {
		t.Errorf("HasSubscription(%s) = true after unsubscribe", topics[0])
	}
	if got := client.SubscriptionCount(); got != len(topics)-1 {
		t.Errorf("SubscriptionCount() after unsubscribe = %d, want %d", got, len(topics)-1)
	}
}

func TestIntegration_CommandRoundtrip(t *testing.T) {
	pub, err := Connect(integrationConfig("nxm-int-pub"))
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	sub, err := Connect(integrationConfig("nxm-int-sub"))
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	type received struct {
		target  string
		payload string
	}
	got := make(chan received, 1)
	var once sync.Once

	err = sub.Subscribe(Topics{}.AllCommands(), 1, func(topic string, p []byte) error {
		target, _ := Topics{}.CommandTarget(topic)
		once.Do(func() { got <- received{target, string(p)} })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(Topics{}.Command("Output1"), []byte(`{"source":"Input2"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-got:
		if msg.target != "Output1" || msg.payload != `{"source":"Input2"}` {
			t.Errorf("received %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for command")
	}
}

func TestIntegration_GracefulOfflinePresence(t *testing.T) {
	watcher, err := Connect(integrationConfig("nxm-int-watcher"))
	if err != nil {
		t.Fatalf("Connect() watcher error = %v", err)
	}
	defer watcher.Close()

	statuses := make(chan presence, 8)
	err = watcher.Subscribe(Topics{}.Health(), 1, func(_ string, p []byte) error {
		var msg presence
		if err := json.Unmarshal(p, &msg); err != nil {
			return err
		}
		if msg.ClientID == "nxm-int-leaver" {
			statuses <- msg
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	leaver, err := Connect(integrationConfig("nxm-int-leaver"))
	if err != nil {
		t.Fatalf("Connect() leaver error = %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	leaver.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-statuses:
			if msg.Status == presenceOffline {
				if msg.Reason != "graceful_shutdown" {
					t.Errorf("Reason = %q, want graceful_shutdown", msg.Reason)
				}
				return
			}
		case <-deadline:
			t.Fatal("no offline presence received")
		}
	}
}
