package ipc

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"
)

func signal(name string, args ...introspect.Arg) introspect.Signal {
	return introspect.Signal{Name: name, Args: args}
}

func arg(name, typ string) introspect.Arg {
	return introspect.Arg{Name: name, Type: typ}
}

func introspection(svc *Service) *introspect.Node {
	return &introspect.Node{
		Name: ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    InterfaceName,
				Methods: introspect.Methods(svc),
				Signals: []introspect.Signal{
					signal("ApprovalRequestCreated", arg("id", "s"), arg("type", "s")),
					signal("ApprovalRequestReviewed", arg("id", "s"), arg("status", "s")),
					signal("PolicyChanged", arg("profile_id", "s")),
					signal("EnforcementAction", arg("profile_id", "s"), arg("action", "s"), arg("reason", "s")),
					signal("TimeLimitWarning", arg("profile_id", "s"), arg("minutes_remaining", "i")),
				},
			},
		},
	}
}

// Serve claims ServiceName on conn and exports svc. It fails when another
// process already owns the name.
func Serve(conn *dbus.Conn, svc *Service) error {
	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", ServiceName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", ServiceName)
	}
	if err := conn.Export(svc, dbus.ObjectPath(ObjectPath), InterfaceName); err != nil {
		return fmt.Errorf("export service: %w", err)
	}
	node := introspect.NewIntrospectable(introspection(svc))
	if err := conn.Export(node, dbus.ObjectPath(ObjectPath), "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}
	svc.log.Info("listening on bus", zap.String("name", ServiceName))
	return nil
}
