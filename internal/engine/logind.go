package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/SoarinFerret/FamilyWarden/internal/logger"
	"github.com/SoarinFerret/FamilyWarden/internal/store"
)

const (
	login1Dest    = "org.freedesktop.login1"
	login1Path    = dbus.ObjectPath("/org/freedesktop/login1")
	login1Manager = "org.freedesktop.login1.Manager"
	login1Session = "org.freedesktop.login1.Session"
)

// LogindActuator carries actions out on the local account session of a
// profile: locks go through logind, warnings and blocks become desktop
// notifications.
type LogindActuator struct {
	conn       *dbus.Conn
	lockScreen bool
	log        *zap.Logger
}

func NewLogindActuator(conn *dbus.Conn, lockScreen bool, log *zap.Logger) *LogindActuator {
	return &LogindActuator{conn: conn, lockScreen: lockScreen, log: logger.OrNop(log).Named("logind")}
}

type loginSession struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

func (l *LogindActuator) Act(ctx context.Context, a Action) error {
	if a.Username == "" {
		return nil
	}
	sessions, err := l.userSessions(ctx, a.Username)
	if err != nil {
		return err
	}

	var errList []error
	for _, s := range sessions {
		var err error
		switch a.Kind {
		case store.EventLock:
			err = l.lockSession(ctx, a.Username, s)
		case store.EventWarn:
			err = l.notify(ctx, s, "Screen Time Warning", a.Reason)
		case store.EventBlock:
			body := a.Reason
			if a.AppID != "" {
				body = a.AppID + ": " + a.Reason
			}
			err = l.notify(ctx, s, "Blocked", body)
		}
		if err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// userSessions lists the logind sessions of a local account.
func (l *LogindActuator) userSessions(ctx context.Context, username string) ([]loginSession, error) {
	var all []loginSession
	call := l.conn.Object(login1Dest, login1Path).CallWithContext(ctx, login1Manager+".ListSessions", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", call.Err)
	}
	if err := call.Store(&all); err != nil {
		return nil, fmt.Errorf("failed to parse sessions: %w", err)
	}
	var out []loginSession
	for _, s := range all {
		if s.User == username {
			out = append(out, s)
		}
	}
	return out, nil
}

// lockSession locks one session unless it is already locked.
func (l *LogindActuator) lockSession(ctx context.Context, username string, s loginSession) error {
	if !l.lockScreen {
		l.log.Info("lock screen disabled, session would be locked", zap.String("user", username), zap.String("session", s.ID))
		return nil
	}
	sessionObj := l.conn.Object(login1Dest, s.Path)
	lockedVariant, err := sessionObj.GetProperty(login1Session + ".LockedHint")
	if err != nil {
		return fmt.Errorf("failed to get LockedHint from path %s: %w", s.Path, err)
	}
	if locked, _ := lockedVariant.Value().(bool); locked {
		return nil
	}

	call := l.conn.Object(login1Dest, login1Path).CallWithContext(ctx, login1Manager+".LockSession", 0, s.ID)
	if call.Err != nil {
		return fmt.Errorf("failed to lock session %s for %s: %w", s.ID, username, call.Err)
	}
	l.log.Info("locked session", zap.String("user", username), zap.String("session", s.ID))
	return nil
}

// notify shows a desktop notification on the session's own bus.
func (l *LogindActuator) notify(ctx context.Context, s loginSession, summary, body string) error {
	addr, err := l.sessionBusAddress(s.Path)
	if err != nil {
		return fmt.Errorf("failed to get session bus address: %w", err)
	}
	userConn, err := dbus.Dial(addr, dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to user session bus: %w", err)
	}
	defer userConn.Close()
	if err := userConn.Auth(nil); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if err := userConn.Hello(); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	obj := userConn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications")
	call := obj.CallWithContext(ctx, "org.freedesktop.Notifications.Notify", 0,
		"FamilyWarden",
		uint32(0),
		"dialog-warning",
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{
			"urgency": dbus.MakeVariant(byte(1)),
		},
		int32(10000),
	)
	if call.Err != nil {
		return fmt.Errorf("failed to send notification: %w", call.Err)
	}
	return nil
}

// sessionBusAddress reads DBUS_SESSION_BUS_ADDRESS from the environment
// of the session leader. Sessions without a display have no desktop to
// notify.
func (l *LogindActuator) sessionBusAddress(path dbus.ObjectPath) (string, error) {
	obj := l.conn.Object(login1Dest, path)
	display, err := obj.GetProperty(login1Session + ".Display")
	if err != nil {
		return "", fmt.Errorf("failed to get Display property: %w", err)
	}
	if v, _ := display.Value().(string); v == "" {
		return "", fmt.Errorf("session has no display set")
	}
	leader, err := obj.GetProperty(login1Session + ".Leader")
	if err != nil {
		return "", fmt.Errorf("failed to get Leader property: %w", err)
	}
	pid, ok := leader.Value().(uint32)
	if !ok {
		return "", fmt.Errorf("unexpected Leader type %T", leader.Value())
	}
	return getEnvFromProc(int(pid), "DBUS_SESSION_BUS_ADDRESS")
}

// getEnvFromProc reads an environment variable from /proc/<pid>/environ
func getEnvFromProc(pid int, envVar string) (string, error) {
	path := fmt.Sprintf("/proc/%d/environ", pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Split(scanNullTerminated)
	prefix := envVar + "="
	for scanner.Scan() {
		if value, ok := strings.CutPrefix(scanner.Text(), prefix); ok {
			return value, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error scanning environ: %w", err)
	}
	return "", fmt.Errorf("environment variable %s not found", envVar)
}

// scanNullTerminated is a bufio.SplitFunc splitting on null bytes.
func scanNullTerminated(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[0:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// formatTimeRemaining formats duration into human-readable string
func formatTimeRemaining(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	if hours > 0 {
		return fmt.Sprintf("%d hour(s) %d minute(s)", hours, minutes)
	}
	return fmt.Sprintf("%d minute(s)", minutes)
}
