package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	systemdDest      = "org.freedesktop.systemd1"
	systemdPath      = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerInterface = "org.freedesktop.systemd1.Manager"
	unitInterface    = "org.freedesktop.systemd1.Unit"
)

// DBusUnitManager drives systemd through its D-Bus manager API.
type DBusUnitManager struct {
	conn *dbus.Conn

	// SettleTimeout bounds how long start and stop wait for the unit to leave
	// a transitional state.
	SettleTimeout time.Duration
}

// NewDBusUnitManager connects to the system bus.
func NewDBusUnitManager() (*DBusUnitManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &DBusUnitManager{conn: conn, SettleTimeout: 5 * time.Second}, nil
}

// Close closes the bus connection.
func (m *DBusUnitManager) Close() error {
	return m.conn.Close()
}

func (m *DBusUnitManager) manager() dbus.BusObject {
	return m.conn.Object(systemdDest, systemdPath)
}

// UnitStatus reads a unit's state. Units systemd does not know report
// load_state "not-found".
func (m *DBusUnitManager) UnitStatus(ctx context.Context, name string) (UnitStatus, error) {
	var path dbus.ObjectPath
	if err := m.manager().CallWithContext(ctx, managerInterface+".LoadUnit", 0, name).Store(&path); err != nil {
		return UnitStatus{}, fmt.Errorf("failed to load unit %s: %w", name, err)
	}

	var props map[string]dbus.Variant
	err := m.conn.Object(systemdDest, path).
		CallWithContext(ctx, "org.freedesktop.DBus.Properties.GetAll", 0, unitInterface).
		Store(&props)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("failed to read unit %s: %w", name, err)
	}

	status := UnitStatus{
		Name:        name,
		ActiveState: variantString(props["ActiveState"]),
		SubState:    variantString(props["SubState"]),
		LoadState:   variantString(props["LoadState"]),
	}

	var fileState string
	if err := m.manager().CallWithContext(ctx, managerInterface+".GetUnitFileState", 0, name).Store(&fileState); err == nil {
		status.Enabled = fileState == "enabled" || fileState == "enabled-runtime"
	}

	return status, nil
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

// StartUnit starts a unit and waits for it to settle.
func (m *DBusUnitManager) StartUnit(ctx context.Context, name string) error {
	var job dbus.ObjectPath
	if err := m.manager().CallWithContext(ctx, managerInterface+".StartUnit", 0, name, "replace").Store(&job); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return m.settle(ctx, name)
}

// StopUnit stops a unit and waits for it to settle.
func (m *DBusUnitManager) StopUnit(ctx context.Context, name string) error {
	var job dbus.ObjectPath
	if err := m.manager().CallWithContext(ctx, managerInterface+".StopUnit", 0, name, "replace").Store(&job); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return m.settle(ctx, name)
}

type unitFileChange struct {
	Type        string
	Filename    string
	Destination string
}

// EnableUnit enables a unit file and reloads the manager.
func (m *DBusUnitManager) EnableUnit(ctx context.Context, name string) error {
	var carriesInstallInfo bool
	var changes []unitFileChange
	err := m.manager().CallWithContext(ctx, managerInterface+".EnableUnitFiles", 0, []string{name}, false, true).
		Store(&carriesInstallInfo, &changes)
	if err != nil {
		return fmt.Errorf("failed to enable %s: %w", name, err)
	}
	return m.reload(ctx)
}

// DisableUnit disables a unit file and reloads the manager.
func (m *DBusUnitManager) DisableUnit(ctx context.Context, name string) error {
	var changes []unitFileChange
	err := m.manager().CallWithContext(ctx, managerInterface+".DisableUnitFiles", 0, []string{name}, false).
		Store(&changes)
	if err != nil {
		return fmt.Errorf("failed to disable %s: %w", name, err)
	}
	return m.reload(ctx)
}

func (m *DBusUnitManager) reload(ctx context.Context) error {
	if call := m.manager().CallWithContext(ctx, managerInterface+".Reload", 0); call.Err != nil {
		return fmt.Errorf("failed to reload systemd: %w", call.Err)
	}
	return nil
}

// settle polls until the unit leaves activating/deactivating/reloading.
func (m *DBusUnitManager) settle(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, m.SettleTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := m.UnitStatus(ctx, name)
		if err != nil {
			return err
		}
		switch status.ActiveState {
		case "activating", "deactivating", "reloading":
		default:
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("unit %s still %s: %w", name, status.ActiveState, ctx.Err())
		case <-ticker.C:
		}
	}
}
