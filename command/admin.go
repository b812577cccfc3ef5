package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/advbbs/advbbs/store"
)

func (d *Dispatcher) cmdSync(ctx context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !sync <board>"
	}
	name := strings.ToLower(req.args[0])
	b, err := d.st.GetBoard(name)
	if err != nil {
		return fmt.Sprintf("No board %q.", name)
	}
	if !b.Synced {
		return fmt.Sprintf("Board %s is not synced.", name)
	}
	d.boards.Push(ctx, name)
	return fmt.Sprintf("Sync of %s triggered.", name)
}

func (d *Dispatcher) cmdMkBoard(_ context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !mkboard <name> [public|restricted] [synced]"
	}
	name := strings.ToLower(req.args[0])
	boardType := store.BoardPublic
	synced := false
	for _, arg := range req.args[1:] {
		switch strings.ToLower(arg) {
		case store.BoardPublic:
		case store.BoardRestricted:
			boardType = store.BoardRestricted
		case "synced", "sync":
			synced = true
		default:
			return fmt.Sprintf("Unknown option %q.", arg)
		}
	}
	wrapped, err := d.ring.NewWrappedKey()
	if err != nil {
		return "Could not create board key."
	}
	b := &store.Board{Name: name, Type: boardType, WrappedKey: wrapped}
	if err := d.st.CreateBoard(b); err != nil {
		return fmt.Sprintf("Could not create board: %v", err)
	}
	if synced {
		if err := d.st.SetBoardSynced(name, true, d.maxSyncedBoards); err != nil {
			if errors.Is(err, store.ErrSyncedBoardCap) {
				return fmt.Sprintf("Board %s created, but the synced-board limit (%d) is reached.", name, d.maxSyncedBoards)
			}
			return "Board created, but enabling sync failed."
		}
	}
	return fmt.Sprintf("Board %s created.", name)
}

func (d *Dispatcher) cmdRmBoard(_ context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !rmboard <name>"
	}
	name := strings.ToLower(req.args[0])
	if _, err := d.st.GetBoard(name); err != nil {
		return fmt.Sprintf("No board %q.", name)
	}
	if err := d.st.DeleteBoard(name); err != nil {
		return "Could not delete board."
	}
	return fmt.Sprintf("Board %s deleted. Existing posts expire on schedule.", name)
}

func (d *Dispatcher) cmdGrant(_ context.Context, req *request) string {
	if len(req.args) < 2 {
		return "Usage: !grant <board> <user>"
	}
	board, user := strings.ToLower(req.args[0]), strings.ToLower(req.args[1])
	if _, err := d.st.GetUser(user); err != nil {
		return fmt.Sprintf("No such user %q.", user)
	}
	if err := d.ring.GrantBoard(board, user); err != nil {
		return "Could not grant access."
	}
	return fmt.Sprintf("%s granted access to %s.", user, board)
}

func (d *Dispatcher) cmdRevoke(_ context.Context, req *request) string {
	if len(req.args) < 2 {
		return "Usage: !revoke <board> <user>"
	}
	board, user := strings.ToLower(req.args[0]), strings.ToLower(req.args[1])
	if err := d.st.RevokeBoardAccess(board, user); err != nil {
		return "Could not revoke access."
	}
	return fmt.Sprintf("%s's access to %s revoked.", user, board)
}

func (d *Dispatcher) cmdBan(_ context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !ban <user> [reason]"
	}
	name := strings.ToLower(req.args[0])
	if name == req.session.User {
		return "You cannot ban yourself."
	}
	u, err := d.st.GetUser(name)
	if err != nil {
		return fmt.Sprintf("No such user %q.", name)
	}
	u.Banned = true
	u.BanReason = strings.Join(req.args[1:], " ")
	u.BanActor = req.session.User
	u.BanOrigin = d.callsign
	u.BanMicros = d.now().UnixMicro()
	if err := d.st.PutUser(u); err != nil {
		return "Could not ban user."
	}
	d.sessions.LogoutUser(name)
	log.WithFields(logrus.Fields{"user": name, "actor": req.session.User}).Warn("user banned")
	return fmt.Sprintf("%s banned.", name)
}

func (d *Dispatcher) cmdUnban(_ context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !unban <user>"
	}
	name := strings.ToLower(req.args[0])
	u, err := d.st.GetUser(name)
	if err != nil {
		return fmt.Sprintf("No such user %q.", name)
	}
	u.Banned = false
	u.BanReason = ""
	u.BanActor = ""
	u.BanOrigin = ""
	u.BanMicros = 0
	if err := d.st.PutUser(u); err != nil {
		return "Could not unban user."
	}
	return fmt.Sprintf("%s unbanned.", name)
}

func (d *Dispatcher) cmdRecover(_ context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !recover <user>"
	}
	temp, err := d.sessions.Recover(req.args[0])
	if err != nil {
		return fmt.Sprintf("No such user %q.", strings.ToLower(req.args[0]))
	}
	// The temp password goes to the admin over the air once; it must be
	// changed at first login.
	return fmt.Sprintf("Temporary password for %s: %s (must be changed at login)", strings.ToLower(req.args[0]), temp)
}

func (d *Dispatcher) cmdUsers(_ context.Context, req *request) string {
	users, err := d.st.ListUsers()
	if err != nil {
		return "Could not list users."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d user(s):", len(users))
	for _, u := range users {
		flags := ""
		if u.Admin {
			flags += " [admin]"
		}
		if u.Banned {
			flags += " [banned]"
		}
		fmt.Fprintf(&sb, "\n%s%s", u.Name, flags)
	}
	return sb.String()
}

func (d *Dispatcher) cmdAddPeer(_ context.Context, req *request) string {
	if len(req.args) < 2 {
		return "Usage: !addpeer <nodeid> <callsign> [name]"
	}
	p := &store.Peer{
		NodeID:   req.args[0],
		Callsign: strings.ToUpper(req.args[1]),
		Name:     strings.Join(req.args[2:], " "),
		Enabled:  true,
	}
	if err := d.st.PutPeer(p); err != nil {
		return "Could not add peer."
	}
	return fmt.Sprintf("Peer %s (%s) whitelisted.", p.Callsign, p.NodeID)
}

func (d *Dispatcher) cmdRmPeer(_ context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !rmpeer <nodeid>"
	}
	nodeID := req.args[0]
	if _, err := d.st.GetPeer(nodeID); err != nil {
		return fmt.Sprintf("No peer %q.", nodeID)
	}
	if err := d.st.DeletePeer(nodeID); err != nil {
		return "Could not remove peer."
	}
	if n, err := d.st.DeleteRoutesVia(nodeID); err == nil && n > 0 {
		return fmt.Sprintf("Peer removed along with %d route(s) through it.", n)
	}
	return "Peer removed."
}

func (d *Dispatcher) cmdPeers(_ context.Context, req *request) string {
	peers, err := d.st.ListPeers()
	if err != nil {
		return "Could not list peers."
	}
	if len(peers) == 0 {
		return "No peers."
	}
	var sb strings.Builder
	sb.WriteString("Peers:")
	for _, p := range peers {
		state := p.Health
		if !p.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&sb, "\n%s %s %s q=%.2f", p.Callsign, p.NodeID, state, p.Quality)
	}
	return sb.String()
}

func (d *Dispatcher) cmdRoutes(_ context.Context, req *request) string {
	routes, err := d.st.ListRoutes()
	if err != nil {
		return "Could not list routes."
	}
	if len(routes) == 0 {
		return "No routes."
	}
	var sb strings.Builder
	sb.WriteString("Routes:")
	for _, r := range routes {
		fmt.Fprintf(&sb, "\n%s via %s hop=%d q=%.2f", r.Dest, r.NextHopNode, r.HopCount, r.Quality)
	}
	return sb.String()
}

func (d *Dispatcher) cmdAnnounce(ctx context.Context, req *request) string {
	if req.raw == "" {
		return "Usage: !announce <text>"
	}
	text := fmt.Sprintf("[%s] %s", d.bbsName, req.raw)
	if err := d.tr.Broadcast(ctx, 0, text); err != nil {
		return "Broadcast failed."
	}
	return "Announcement sent."
}
