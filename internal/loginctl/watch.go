// Package loginctl follows systemd-logind so sessions of a profile end when
// its account logs out or the machine shuts down.
package loginctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/session"
)

const (
	login1Dest    = "org.freedesktop.login1"
	login1Path    = dbus.ObjectPath("/org/freedesktop/login1")
	login1Manager = "org.freedesktop.login1.Manager"
	login1Session = "org.freedesktop.login1.Session"
	login1User    = "org.freedesktop.login1.User"
)

// Handler is told about logouts and shutdowns. *engine.Engine implements it.
type Handler interface {
	Logout(ctx context.Context, username string) error
	CloseAll(ctx context.Context, reason session.EndReason) (int, error)
}

type Watcher struct {
	conn    *dbus.Conn
	handler Handler
	log     *zap.Logger

	// username resolves the account owning a live session object.
	username func(dbus.ObjectPath) (string, error)
	// class resolves a session's class; only "user" sessions are tracked.
	class func(dbus.ObjectPath) (string, error)

	mu    sync.Mutex
	users map[dbus.ObjectPath]string
}

func NewWatcher(conn *dbus.Conn, h Handler, log *zap.Logger) *Watcher {
	w := &Watcher{
		conn:    conn,
		handler: h,
		log:     logger.OrNop(log).Named("loginctl"),
		users:   map[dbus.ObjectPath]string{},
	}
	w.username = func(p dbus.ObjectPath) (string, error) { return getUsernameFromSession(conn, p) }
	w.class = func(p dbus.ObjectPath) (string, error) { return getSessionClass(conn, p) }
	return w
}

// Watch blocks until ctx is cancelled, forwarding logind events to the
// handler.
func (w *Watcher) Watch(ctx context.Context) error {
	for _, member := range []string{"SessionNew", "SessionRemoved", "PrepareForSleep", "PrepareForShutdown"} {
		if err := w.conn.AddMatchSignal(
			dbus.WithMatchObjectPath(login1Path),
			dbus.WithMatchInterface(login1Manager),
			dbus.WithMatchMember(member),
		); err != nil {
			return fmt.Errorf("add match %s failed: %w", member, err)
		}
	}

	c := make(chan *dbus.Signal, 10)
	w.conn.Signal(c)
	defer w.conn.RemoveSignal(c)

	if err := w.seed(ctx); err != nil {
		w.log.Warn("failed to list existing sessions", logger.Err(err))
	}

	for {
		select {
		case sig, ok := <-c:
			if !ok {
				return nil
			}
			w.handle(ctx, sig)
		case <-ctx.Done():
			return nil
		}
	}
}

// seed remembers the sessions that were open before the daemon started.
func (w *Watcher) seed(ctx context.Context) error {
	var all []struct {
		ID   string
		UID  uint32
		User string
		Seat string
		Path dbus.ObjectPath
	}
	call := w.conn.Object(login1Dest, login1Path).CallWithContext(ctx, login1Manager+".ListSessions", 0)
	if call.Err != nil {
		return call.Err
	}
	if err := call.Store(&all); err != nil {
		return err
	}
	for _, s := range all {
		if class, err := w.class(s.Path); err != nil || class != "user" {
			continue
		}
		w.track(s.Path, s.User)
	}
	return nil
}

func (w *Watcher) track(path dbus.ObjectPath, username string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.users[path] = username
}

// untrack forgets path and reports its user and whether that user has no
// other tracked session left.
func (w *Watcher) untrack(path dbus.ObjectPath) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	username, ok := w.users[path]
	if !ok {
		return "", false
	}
	delete(w.users, path)
	for _, u := range w.users {
		if u == username {
			return username, false
		}
	}
	return username, true
}

func (w *Watcher) handle(ctx context.Context, sig *dbus.Signal) {
	switch sig.Name {
	case login1Manager + ".SessionNew":
		if len(sig.Body) < 2 {
			return
		}
		sessionPath, ok := sig.Body[1].(dbus.ObjectPath)
		if !ok {
			w.log.Warn("SessionNew: failed to get session object path")
			return
		}
		class, err := w.class(sessionPath)
		if err != nil {
			w.log.Warn("SessionNew: failed to get session class", logger.Err(err))
			return
		}
		if class != "user" {
			return
		}
		username, err := w.username(sessionPath)
		if err != nil {
			w.log.Warn("SessionNew: failed to get username", logger.Err(err))
			return
		}
		w.track(sessionPath, username)
		w.log.Info("session opened", zap.String("user", username), zap.String("session", string(sessionPath)))

	case login1Manager + ".SessionRemoved":
		if len(sig.Body) < 2 {
			return
		}
		sessionPath, ok := sig.Body[1].(dbus.ObjectPath)
		if !ok {
			w.log.Warn("SessionRemoved: failed to get session object path")
			return
		}
		username, last := w.untrack(sessionPath)
		if !last {
			return
		}
		w.log.Info("last session removed", zap.String("user", username))
		if err := w.handler.Logout(ctx, username); err != nil {
			w.log.Error("logout handling failed", zap.String("user", username), logger.Err(err))
		}

	case login1Manager + ".PrepareForShutdown":
		if len(sig.Body) == 0 {
			return
		}
		if shutting, _ := sig.Body[0].(bool); !shutting {
			return
		}
		w.log.Info("system is shutting down")
		if _, err := w.handler.CloseAll(ctx, session.EndShutdown); err != nil {
			w.log.Error("closing sessions on shutdown failed", logger.Err(err))
		}

	case login1Manager + ".PrepareForSleep":
		// Time asleep exceeds the idle timeout and is never credited.
		if len(sig.Body) > 0 {
			sleeping, _ := sig.Body[0].(bool)
			w.log.Info("sleep state changed", zap.Bool("sleeping", sleeping))
		}
	}
}

func getUsernameFromSession(conn *dbus.Conn, sessionPath dbus.ObjectPath) (string, error) {
	sessionObj := conn.Object(login1Dest, sessionPath)

	var userInfo []interface{}
	err := sessionObj.Call("org.freedesktop.DBus.Properties.Get", 0, login1Session, "User").Store(&userInfo)
	if err != nil || len(userInfo) < 2 {
		return "", fmt.Errorf("failed to get user info: %w", err)
	}
	userPath, ok := userInfo[1].(dbus.ObjectPath)
	if !ok {
		return "", fmt.Errorf("failed to get user object path")
	}
	userObj := conn.Object(login1Dest, userPath)
	var username dbus.Variant
	err = userObj.Call("org.freedesktop.DBus.Properties.Get", 0, login1User, "Name").Store(&username)
	if err != nil {
		return "", fmt.Errorf("failed to get username: %w", err)
	}
	name, ok := username.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected type for user name")
	}
	return name, nil
}

func getSessionClass(conn *dbus.Conn, sessionPath dbus.ObjectPath) (string, error) {
	obj := conn.Object(login1Dest, sessionPath)
	var class dbus.Variant
	err := obj.Call("org.freedesktop.DBus.Properties.Get", 0, login1Session, "Class").Store(&class)
	if err != nil {
		return "", err
	}
	if v, ok := class.Value().(string); ok {
		return v, nil
	}
	return "", fmt.Errorf("unexpected type for session class")
}
