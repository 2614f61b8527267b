package service

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orris-inc/sshfwd/internal/events"
	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/registry"
	"github.com/orris-inc/sshfwd/internal/sshtest"
	"github.com/orris-inc/sshfwd/internal/store"
	"github.com/orris-inc/sshfwd/internal/traffic"
)

const waitFor = 2 * time.Second

func newTestService(t *testing.T) *Service {
	t.Helper()
	set, err := store.Open(store.BackendJSON, t.TempDir())
	require.NoError(t, err)

	reg, err := registry.New(set.Rules, set.Templates)
	require.NoError(t, err)

	svc := New(reg, traffic.NewCounter(), events.NewBus(), Options{StopTimeout: time.Second})
	t.Cleanup(func() { svc.StopAll() })
	return svc
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func localSpec(port int) forward.RuleSpec {
	return forward.RuleSpec{
		ConnectionID: "conn-1",
		Type:         forward.TypeLocal,
		LocalHost:    "127.0.0.1",
		LocalPort:    port,
		RemoteHost:   "internal-db",
		RemotePort:   5432,
	}
}

func nextEvent(t *testing.T, ch <-chan events.Event, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestLocalForwardEndToEnd(t *testing.T) {
	svc := newTestService(t)
	evs, cancel := svc.Subscribe(16)
	defer cancel()

	received := make(chan string, 1)
	client := sshtest.NewFakeClient()
	client.Handler = func(conn net.Conn, _ sshtest.Call) {
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}

	rule, err := svc.AddForward(localSpec(18080))
	require.NoError(t, err)
	assert.Equal(t, forward.StatusInactive, rule.Status)

	require.NoError(t, svc.StartForward(context.Background(), rule.ID, client))
	assert.Equal(t, rule.ID, nextEvent(t, evs, events.KindActive).ForwardID)

	got, err := svc.GetForward(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, forward.StatusActive, got.Status)

	conn, err := net.Dial("tcp", "127.0.0.1:18080")
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("SELECT 1;"))
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Equal(t, "SELECT 1;", data)
	case <-time.After(waitFor):
		t.Fatal("no data reached the channel")
	}

	calls := client.OutCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "internal-db", calls[0].DstHost)
	assert.Equal(t, 5432, calls[0].DstPort)

	conn.Close()
	ev := nextEvent(t, evs, events.KindTraffic)
	require.NotNil(t, ev.Stats)
	assert.Equal(t, int64(9), ev.Stats.BytesIn)
}

func TestStartForward_Errors(t *testing.T) {
	svc := newTestService(t)

	rule, err := svc.AddForward(localSpec(freePort(t)))
	require.NoError(t, err)

	err = svc.StartForward(context.Background(), rule.ID, nil)
	var cerr *forward.ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, forward.ErrNoClient)

	err = svc.StartForward(context.Background(), "forward-missing", sshtest.NewFakeClient())
	assert.True(t, forward.IsNotFound(err))
	assert.Zero(t, svc.ActiveCount())
}

func TestStartForward_AlreadyRunning(t *testing.T) {
	svc := newTestService(t)
	client := sshtest.NewFakeClient()

	rule, err := svc.AddForward(localSpec(0))
	require.NoError(t, err)
	require.NoError(t, svc.StartForward(context.Background(), rule.ID, client))
	addr, err := svc.Addr(rule.ID)
	require.NoError(t, err)

	require.NoError(t, svc.StartForward(context.Background(), rule.ID, client))
	again, err := svc.Addr(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
	assert.Equal(t, 1, svc.ActiveCount())
}

func TestStopForward_Idempotent(t *testing.T) {
	svc := newTestService(t)
	evs, cancel := svc.Subscribe(16)
	defer cancel()

	rule, err := svc.AddForward(localSpec(0))
	require.NoError(t, err)

	require.NoError(t, svc.StopForward(rule.ID), "stopping an inactive forward")

	require.NoError(t, svc.StartForward(context.Background(), rule.ID, sshtest.NewFakeClient()))
	require.NoError(t, svc.StopForward(rule.ID))
	nextEvent(t, evs, events.KindInactive)
	require.NoError(t, svc.StopForward(rule.ID))

	got, err := svc.GetForward(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, forward.StatusInactive, got.Status)
	assert.Zero(t, svc.ActiveCount())

	assert.True(t, forward.IsNotFound(svc.StopForward("forward-missing")))
}

func TestResetTrafficStats_KeepsActiveConnections(t *testing.T) {
	svc := newTestService(t)

	rule, err := svc.AddForward(localSpec(0))
	require.NoError(t, err)
	require.NoError(t, svc.StartForward(context.Background(), rule.ID, sshtest.NewFakeClient()))
	addr, err := svc.Addr(rule.ID)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(waitFor))
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, 5))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, _ := svc.TrafficStats(rule.ID)
		return stats.BytesIn == 5 && stats.BytesOut == 5
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, svc.ResetTrafficStats(rule.ID))
	stats, err := svc.TrafficStats(rule.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.BytesIn)
	assert.Zero(t, stats.BytesOut)
	assert.Zero(t, stats.ConnectionsTotal)
	assert.Equal(t, int64(1), stats.ConnectionsActive)

	assert.True(t, forward.IsNotFound(svc.ResetTrafficStats("forward-missing")))
}

func TestTrafficStats_NeverStarted(t *testing.T) {
	svc := newTestService(t)
	rule, err := svc.AddForward(localSpec(0))
	require.NoError(t, err)

	stats, err := svc.TrafficStats(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, stats.ForwardID)
	assert.Zero(t, stats.ConnectionsTotal)
	assert.Empty(t, svc.AllTrafficStats())
}

func TestCreateForwardFromTemplate_Dynamic(t *testing.T) {
	svc := newTestService(t)

	tmpl, err := svc.CreateTemplate(forward.TemplateSpec{
		Name:      "SOCKS",
		Type:      forward.TypeDynamic,
		LocalPort: 1080,
	})
	require.NoError(t, err)

	rule, err := svc.CreateForwardFromTemplate(tmpl.ID, "conn-9")
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.NotEqual(t, tmpl.ID, rule.ID)
	assert.Equal(t, forward.TypeDynamic, rule.Type)
	assert.Equal(t, forward.DefaultHost, rule.LocalHost)
	assert.Equal(t, 1080, rule.LocalPort)
	assert.Equal(t, tmpl.ID, rule.TemplateID)
	assert.Equal(t, "conn-9", rule.ConnectionID)

	other, err := svc.CreateForwardFromTemplate(tmpl.ID, "conn-9")
	require.NoError(t, err)
	assert.NotEqual(t, rule.ID, other.ID)
}

func TestTemplates(t *testing.T) {
	svc := newTestService(t)

	socks, err := svc.CreateTemplate(forward.TemplateSpec{
		Name: "SOCKS", Description: "browser proxy", Type: forward.TypeDynamic, LocalPort: 1080, Tags: []string{"proxy"},
	})
	require.NoError(t, err)
	db, err := svc.CreateTemplate(forward.TemplateSpec{
		Name: "Postgres", Type: forward.TypeLocal, LocalPort: 15432, RemoteHost: "db", RemotePort: 5432, Tags: []string{"db"},
	})
	require.NoError(t, err)

	assert.Len(t, svc.ListTemplates(), 2)
	assert.Equal(t, []forward.Template{socks}, svc.TemplatesByTag("proxy"))
	assert.Equal(t, []forward.Template{socks}, svc.SearchTemplates("BROWSER"))

	got, err := svc.GetTemplate(db.ID)
	require.NoError(t, err)
	assert.Equal(t, db, got)

	name := "Postgres primary"
	updated, err := svc.UpdateTemplate(db.ID, forward.TemplateUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)

	rule, err := svc.CreateForwardFromTemplate(socks.ID, "conn-1")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteTemplate(socks.ID))

	_, err = svc.GetTemplate(socks.ID)
	assert.ErrorIs(t, err, forward.ErrNotFound)
	_, err = svc.GetForward(rule.ID)
	assert.NoError(t, err, "rules created from a deleted template are kept")
}

func TestAutoStartForwards_FirstFailsSecondStarts(t *testing.T) {
	svc := newTestService(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	first := localSpec(taken.Addr().(*net.TCPAddr).Port)
	first.AutoStart = true
	bad, err := svc.AddForward(first)
	require.NoError(t, err)

	good, err := svc.AddForward(forward.RuleSpec{ConnectionID: "conn-1", Type: forward.TypeDynamic, LocalPort: 0, AutoStart: true})
	require.NoError(t, err)

	_, err = svc.AddForward(forward.RuleSpec{ConnectionID: "conn-1", Type: forward.TypeDynamic, LocalPort: 0})
	require.NoError(t, err)

	res, err := svc.AutoStartForwards(context.Background(), "conn-1", sshtest.NewFakeClient())
	require.NoError(t, err)
	assert.Equal(t, []string{good.ID}, res.Started)
	require.Contains(t, res.Failed, bad.ID)

	badRule, err := svc.GetForward(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, forward.StatusError, badRule.Status)
	assert.NotEmpty(t, badRule.Error)

	goodRule, err := svc.GetForward(good.ID)
	require.NoError(t, err)
	assert.Equal(t, forward.StatusActive, goodRule.Status)
	assert.Equal(t, 1, svc.ActiveCount())
}

func TestSecondBindFails_FirstStaysActive(t *testing.T) {
	svc := newTestService(t)
	client := sshtest.NewFakeClient()
	port := freePort(t)

	a, err := svc.AddForward(localSpec(port))
	require.NoError(t, err)
	b, err := svc.AddForward(localSpec(port))
	require.NoError(t, err)

	require.NoError(t, svc.StartForward(context.Background(), a.ID, client))

	err = svc.StartForward(context.Background(), b.ID, client)
	var berr *forward.BindError
	require.True(t, errors.As(err, &berr), "want BindError, got %v", err)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), berr.Addr)

	ra, _ := svc.GetForward(a.ID)
	rb, _ := svc.GetForward(b.ID)
	assert.Equal(t, forward.StatusActive, ra.Status)
	assert.Equal(t, forward.StatusError, rb.Status)
	assert.Equal(t, 1, svc.ActiveCount())

	// A failed forward can be started again once the port is free.
	require.NoError(t, svc.StopForward(a.ID))
	require.NoError(t, svc.StartForward(context.Background(), b.ID, client))
	rb, _ = svc.GetForward(b.ID)
	assert.Equal(t, forward.StatusActive, rb.Status)
	assert.Empty(t, rb.Error)
}

func TestDeleteForward(t *testing.T) {
	svc := newTestService(t)
	port := freePort(t)

	rule, err := svc.AddForward(localSpec(port))
	require.NoError(t, err)
	require.NoError(t, svc.StartForward(context.Background(), rule.ID, sshtest.NewFakeClient()))

	require.NoError(t, svc.DeleteForward(rule.ID))
	assert.Zero(t, svc.ActiveCount())
	_, err = svc.GetForward(rule.ID)
	assert.True(t, forward.IsNotFound(err))
	assert.Empty(t, svc.AllTrafficStats())

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "port must be released")
	ln.Close()

	assert.True(t, forward.IsNotFound(svc.DeleteForward(rule.ID)))
}

func TestUpdateForward_RestartsOnEndpointChange(t *testing.T) {
	svc := newTestService(t)
	client := sshtest.NewFakeClient()

	rule, err := svc.AddForward(localSpec(freePort(t)))
	require.NoError(t, err)
	require.NoError(t, svc.StartForward(context.Background(), rule.ID, client))

	desc := "renamed"
	updated, err := svc.UpdateForward(context.Background(), rule.ID, forward.RuleUpdate{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Description)
	assert.Equal(t, forward.StatusActive, updated.Status)

	newPort := freePort(t)
	updated, err = svc.UpdateForward(context.Background(), rule.ID, forward.RuleUpdate{LocalPort: &newPort})
	require.NoError(t, err)
	assert.Equal(t, forward.StatusActive, updated.Status)

	addr, err := svc.Addr(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(newPort)), addr)

	other := "conn-2"
	updated, err = svc.UpdateForward(context.Background(), rule.ID, forward.RuleUpdate{ConnectionID: &other})
	require.NoError(t, err)
	assert.Equal(t, forward.StatusInactive, updated.Status)
	assert.Zero(t, svc.ActiveCount())
}

func TestStopConnection(t *testing.T) {
	svc := newTestService(t)
	client := sshtest.NewFakeClient()

	a, err := svc.AddForward(localSpec(0))
	require.NoError(t, err)
	spec := localSpec(0)
	spec.ConnectionID = "conn-2"
	b, err := svc.AddForward(spec)
	require.NoError(t, err)

	require.NoError(t, svc.StartForward(context.Background(), a.ID, client))
	require.NoError(t, svc.StartForward(context.Background(), b.ID, client))

	require.NoError(t, svc.StopConnection("conn-1"))
	ra, _ := svc.GetForward(a.ID)
	rb, _ := svc.GetForward(b.ID)
	assert.Equal(t, forward.StatusInactive, ra.Status)
	assert.Equal(t, forward.StatusActive, rb.Status)

	require.NoError(t, svc.StopAll())
	assert.Zero(t, svc.ActiveCount())
}
