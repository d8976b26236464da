package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/busproxy/pkg/bus"
)

const (
	testPath  bus.ObjectPath = "/org/example/Object"
	testIface                = "org.example.Iface"
)

func TestBus_FetchAndDiscover(t *testing.T) {
	b := New("test")
	b.AddObject(testPath, testIface)
	b.SetGroup(testPath, testIface, bus.PropertyMap{"Name": "x"})

	ifaces, err := b.DiscoverInterfaces(context.Background(), testPath)
	if err != nil {
		t.Fatalf("DiscoverInterfaces failed: %v", err)
	}
	if len(ifaces) != 1 || ifaces[0] != testIface {
		t.Errorf("Unexpected interfaces: %v", ifaces)
	}

	props, err := b.FetchProperties(context.Background(), testPath, testIface)
	if err != nil {
		t.Fatalf("FetchProperties failed: %v", err)
	}
	if props["Name"] != "x" {
		t.Errorf("Expected Name=x, got %v", props["Name"])
	}

	_, err = b.FetchProperties(context.Background(), testPath, "org.example.Missing")
	if !bus.IsNotImplemented(err) {
		t.Errorf("Expected missing group to be not implemented, got %v", err)
	}

	b.FailGroup(testPath, testIface, bus.NewRemoteError(bus.ErrorNotAvailable, "busy"))
	_, err = b.FetchProperties(context.Background(), testPath, testIface)
	if !bus.HasErrorName(err, bus.ErrorNotAvailable) {
		t.Errorf("Expected NotAvailable, got %v", err)
	}
}

func TestBus_SignalsInSubscriptionOrder(t *testing.T) {
	b := New("test")

	var got []string
	cancelA := b.Subscribe(testPath, testIface, func(bus.Signal) { got = append(got, "a") })
	b.Subscribe(testPath, testIface, func(bus.Signal) { got = append(got, "b") })
	b.Subscribe(testPath, "org.example.Other", func(bus.Signal) { got = append(got, "other") })

	b.Emit(bus.Signal{Path: testPath, Interface: testIface, Member: "Changed"})
	cancelA()
	b.Emit(bus.Signal{Path: testPath, Interface: testIface, Member: "Changed"})

	want := []string{"a", "b", "b"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delivery %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestBus_HoldBlocksUntilReleased(t *testing.T) {
	b := New("test")
	b.AddConnection("/conn", bus.ConnectionStatusConnected, nil)
	release := b.Hold("/conn", "")

	done := make(chan bus.Connection, 1)
	go func() {
		c, _ := b.Build(context.Background(), "/conn")
		done <- c
	}()

	select {
	case <-done:
		t.Fatal("Build should block while held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case c := <-done:
		if c == nil || c.ObjectPath() != "/conn" {
			t.Errorf("Unexpected connection: %v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("Build did not finish after release")
	}
}

func TestBus_BuildReturnsFreshConnections(t *testing.T) {
	b := New("test")
	b.AddConnection("/conn", bus.ConnectionStatusConnecting, nil)
	b.FailConnection("/bad", bus.NewRemoteError(bus.ErrorNotAvailable, ""))

	c1, err := b.Build(context.Background(), "/conn")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	c2, _ := b.Build(context.Background(), "/conn")
	if c1 == c2 {
		t.Error("Expected every build to return a new object")
	}
	if _, err := b.Build(context.Background(), "/bad"); err == nil {
		t.Error("Expected failing build")
	}
	if got := b.Builds(); len(got) != 3 {
		t.Errorf("Expected 3 builds recorded, got %v", got)
	}
	if b.LastBuilt("/conn") != c2 {
		t.Error("LastBuilt should return the newest connection")
	}
}

func TestConnection_StatusChanges(t *testing.T) {
	c := &Connection{path: "/conn", status: bus.ConnectionStatusConnecting}

	var got []bus.ConnectionStatus
	c.OnStatusChanged(func(s bus.ConnectionStatus) { got = append(got, s) })

	c.SetStatus(bus.ConnectionStatusConnected)
	c.SetStatus(bus.ConnectionStatusConnected)
	c.SetStatus(bus.ConnectionStatusDisconnected)

	if len(got) != 2 {
		t.Fatalf("Expected 2 notifications, got %v", got)
	}
	c.Release()
	if !c.Released() {
		t.Error("Expected connection to be released")
	}
}

func TestFromScenario(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "scenario.yaml")
	content := `
bus_id: session
objects:
  - path: /org/example/Object
    interfaces: [org.example.Iface]
    properties:
      org.example.Iface:
        Enabled: true
        Nickname: bob
connections:
  - path: /conn
    status: connected
    capabilities:
      - fixed:
          org.freedesktop.Telepathy.Channel.ChannelType: org.freedesktop.Telepathy.Channel.Type.Text
          org.freedesktop.Telepathy.Channel.TargetHandleType: 1
  - path: /broken
    fail:
      name: org.freedesktop.Telepathy.Error.NotAvailable
signals:
  - path: /org/example/Object
    interface: org.example.Iface
    member: Changed
    body:
      Nickname: alice
`
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write scenario: %v", err)
	}

	sc, err := LoadScenario(file)
	if err != nil {
		t.Fatalf("LoadScenario failed: %v", err)
	}
	b, err := FromScenario(sc)
	if err != nil {
		t.Fatalf("FromScenario failed: %v", err)
	}
	if b.ID() != "session" {
		t.Errorf("Expected bus id session, got %s", b.ID())
	}

	props, err := b.FetchProperties(context.Background(), testPath, testIface)
	if err != nil {
		t.Fatalf("FetchProperties failed: %v", err)
	}
	if props["Nickname"] != "bob" {
		t.Errorf("Expected Nickname=bob, got %v", props["Nickname"])
	}

	conn, err := b.Build(context.Background(), "/conn")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !conn.Capabilities().TextChats() {
		t.Errorf("Expected text chats, got %v", conn.Capabilities())
	}
	if _, err := b.Build(context.Background(), "/broken"); !bus.HasErrorName(err, bus.ErrorNotAvailable) {
		t.Errorf("Expected NotAvailable, got %v", err)
	}

	var nick any
	b.Subscribe(testPath, testIface, func(s bus.Signal) { nick = s.Body["Nickname"] })
	if err := b.Play(context.Background()); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if nick != "alice" {
		t.Errorf("Expected played signal, got %v", nick)
	}
}

var (
	_ bus.Client            = (*Bus)(nil)
	_ bus.ConnectionBuilder = (*Bus)(nil)
	_ bus.Connection        = (*Connection)(nil)
)
