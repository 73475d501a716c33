package network

import (
	"context"
	"fmt"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

// NetlinkManager manages links through rtnetlink. A connection is opened per
// call, so the manager is safe for concurrent use.
type NetlinkManager struct{}

// Probe checks that a netlink socket can be opened.
func (m *NetlinkManager) Probe() error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return fmt.Errorf("netlink unavailable: %w", err)
	}
	return conn.Close()
}

func (m *NetlinkManager) withConn(fn func(*rtnetlink.Conn) error) error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return fmt.Errorf("failed to dial netlink: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

// Links lists every link on the host.
func (m *NetlinkManager) Links(ctx context.Context) ([]Link, error) {
	var links []Link
	err := m.withConn(func(conn *rtnetlink.Conn) error {
		msgs, err := conn.Link.List()
		if err != nil {
			return fmt.Errorf("failed to list links: %w", err)
		}

		names := make(map[uint32]string, len(msgs))
		for _, msg := range msgs {
			if msg.Attributes != nil {
				names[msg.Index] = msg.Attributes.Name
			}
		}

		for _, msg := range msgs {
			if msg.Attributes == nil {
				continue
			}
			a := msg.Attributes
			l := Link{
				Index: msg.Index,
				Name:  a.Name,
				Kind:  "device",
				MTU:   int(a.MTU),
				Up:    msg.Flags&unix.IFF_UP != 0,
			}
			if a.Info != nil && a.Info.Kind != "" {
				l.Kind = a.Info.Kind
			}
			if a.Master != nil {
				l.Master = names[*a.Master]
			}
			if a.Address != nil {
				l.MAC = a.Address.String()
			}
			links = append(links, l)
		}
		return nil
	})
	return links, err
}

func lookup(conn *rtnetlink.Conn, name string) (rtnetlink.LinkMessage, error) {
	msgs, err := conn.Link.List()
	if err != nil {
		return rtnetlink.LinkMessage{}, fmt.Errorf("failed to list links: %w", err)
	}
	for _, msg := range msgs {
		if msg.Attributes != nil && msg.Attributes.Name == name {
			return msg, nil
		}
	}
	return rtnetlink.LinkMessage{}, fmt.Errorf("link %s not found", name)
}

// CreateLink adds a virtual link of the given kind.
func (m *NetlinkManager) CreateLink(ctx context.Context, name, kind string) error {
	return m.withConn(func(conn *rtnetlink.Conn) error {
		err := conn.Link.New(&rtnetlink.LinkMessage{
			Family: unix.AF_UNSPEC,
			Attributes: &rtnetlink.LinkAttributes{
				Name: name,
				Info: &rtnetlink.LinkInfo{Kind: kind},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create %s link %s: %w", kind, name, err)
		}
		return nil
	})
}

// DeleteLink removes a link.
func (m *NetlinkManager) DeleteLink(ctx context.Context, name string) error {
	return m.withConn(func(conn *rtnetlink.Conn) error {
		msg, err := lookup(conn, name)
		if err != nil {
			return err
		}
		if err := conn.Link.Delete(msg.Index); err != nil {
			return fmt.Errorf("failed to delete link %s: %w", name, err)
		}
		return nil
	})
}

// SetMTU changes a link's MTU.
func (m *NetlinkManager) SetMTU(ctx context.Context, name string, mtu int) error {
	return m.withConn(func(conn *rtnetlink.Conn) error {
		msg, err := lookup(conn, name)
		if err != nil {
			return err
		}
		err = conn.Link.Set(&rtnetlink.LinkMessage{
			Family:     unix.AF_UNSPEC,
			Type:       msg.Type,
			Index:      msg.Index,
			Attributes: &rtnetlink.LinkAttributes{MTU: uint32(mtu)},
		})
		if err != nil {
			return fmt.Errorf("failed to set mtu on %s: %w", name, err)
		}
		return nil
	})
}

// SetUp brings a link up or down.
func (m *NetlinkManager) SetUp(ctx context.Context, name string, up bool) error {
	return m.withConn(func(conn *rtnetlink.Conn) error {
		msg, err := lookup(conn, name)
		if err != nil {
			return err
		}
		var flags uint32
		if up {
			flags = unix.IFF_UP
		}
		err = conn.Link.Set(&rtnetlink.LinkMessage{
			Family: unix.AF_UNSPEC,
			Type:   msg.Type,
			Index:  msg.Index,
			Flags:  flags,
			Change: unix.IFF_UP,
		})
		if err != nil {
			return fmt.Errorf("failed to set admin state on %s: %w", name, err)
		}
		return nil
	})
}

// SetMaster enslaves a link to master, or releases it when master is empty.
func (m *NetlinkManager) SetMaster(ctx context.Context, name, master string) error {
	return m.withConn(func(conn *rtnetlink.Conn) error {
		msg, err := lookup(conn, name)
		if err != nil {
			return err
		}
		var masterIndex uint32
		if master != "" {
			mm, err := lookup(conn, master)
			if err != nil {
				return err
			}
			masterIndex = mm.Index
		}
		err = conn.Link.Set(&rtnetlink.LinkMessage{
			Family:     unix.AF_UNSPEC,
			Type:       msg.Type,
			Index:      msg.Index,
			Attributes: &rtnetlink.LinkAttributes{Master: &masterIndex},
		})
		if err != nil {
			return fmt.Errorf("failed to set master of %s: %w", name, err)
		}
		return nil
	})
}
