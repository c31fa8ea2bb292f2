package world

import (
	"context"
	"errors"
	"fmt"
	"math"

	"sessionops/internal/command"
	"sessionops/internal/debuglog"
	"sessionops/internal/permission"
	"sessionops/internal/proto"
	"sessionops/internal/relay"
)

// ItemRouter delivers an item grant to whichever participant owns the
// target entity.
type ItemRouter interface {
	SendToAuthority(ctx context.Context, target proto.EntityID, m proto.Message) error
}

type PermissionGranter interface {
	GrantPermission(ctx context.Context, userID string, role permission.Role) error
}

// Handlers carries what the concrete commands act on.
type Handlers struct {
	World  *World
	Items  ItemRouter
	Grants PermissionGranter
}

type playerArgs struct {
	PlayerID int `arg:"playerId"`
}

func (h *Handlers) player(c command.Command) (int, error) {
	args := playerArgs{PlayerID: -1}
	if err := command.DecodeArgs(c.Data, &args); err != nil {
		return 0, err
	}
	return h.World.Resolve(args.PlayerID, c.SenderID)
}

// Register adds every command this world understands to reg.
func (h *Handlers) Register(reg *command.Registry) error {
	entries := []command.Entry{
		{Name: "godmode", Category: command.CategoryPlayer, Description: "Toggle god mode for a player", Handler: h.godMode},
		{Name: "sethealth", Category: command.CategoryPlayer, Description: "Set a player's health", Handler: h.setHealth},
		{Name: "setlevel", Category: command.CategoryPlayer, Description: "Set a player's level", Handler: h.setLevel},
		{Name: "killplayer", Category: command.CategoryPlayer, Description: "Kill a player", Handler: h.killPlayer},
		{Name: "reviveplayer", Category: command.CategoryPlayer, Description: "Revive a dead player", Handler: h.revivePlayer},
		{Name: "spawnitem", Category: command.CategoryItems, Description: "Give or remove items", Handler: h.spawnItem},
		{Name: "setmoney", Category: command.CategoryGame, Description: "Set the team's money", Handler: h.setMoney},
		{Name: "changestage", Category: command.CategoryGame, Description: "Move the run to another stage", Handler: h.changeStage},
		{Name: "activateteleporter", Category: command.CategoryTeleporter, Description: "Activate the teleporter", Handler: h.activateTeleporter},
		{Name: "chargeteleporter", Category: command.CategoryTeleporter, Description: "Set the teleporter charge", Handler: h.chargeTeleporter},
		{Name: "refreshstate", Category: command.CategoryDebug, Description: "Log the current world state", Handler: h.refreshState},
		{Name: "debugplayeritems", Category: command.CategoryDebug, Description: "Log a player's inventory", Handler: h.debugPlayerItems},
		{Name: "grantpermission", Category: command.CategoryPermissions, Description: "Set a user's role", Handler: h.grantPermission},
	}
	for _, e := range entries {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) godMode(ctx context.Context, c command.Command) error {
	id, err := h.player(c)
	if err != nil {
		return err
	}
	var args struct {
		Enabled bool `arg:"enabled"`
	}
	if err := command.DecodeArgs(c.Data, &args); err != nil {
		return err
	}
	debuglog.Logf("world: godmode %s", debuglog.KV("player", id, "enabled", args.Enabled, "by", c.SenderID))
	return h.World.SetGodMode(id, args.Enabled)
}

func (h *Handlers) setHealth(ctx context.Context, c command.Command) error {
	id, err := h.player(c)
	if err != nil {
		return err
	}
	var args struct {
		Health *float64 `arg:"health"`
	}
	if err := command.DecodeArgs(c.Data, &args); err != nil {
		return err
	}
	if args.Health == nil {
		return command.Required("health")
	}
	return h.World.SetHealth(id, *args.Health)
}

func (h *Handlers) setLevel(ctx context.Context, c command.Command) error {
	id, err := h.player(c)
	if err != nil {
		return err
	}
	var args struct {
		Level int `arg:"level"`
	}
	if err := command.DecodeArgs(c.Data, &args); err != nil {
		return err
	}
	return h.World.SetLevel(id, args.Level)
}

func (h *Handlers) killPlayer(ctx context.Context, c command.Command) error {
	id, err := h.player(c)
	if err != nil {
		return err
	}
	return h.World.Kill(id)
}

func (h *Handlers) revivePlayer(ctx context.Context, c command.Command) error {
	id, err := h.player(c)
	if err != nil {
		return err
	}
	return h.World.Revive(id)
}

func (h *Handlers) spawnItem(ctx context.Context, c command.Command) error {
	id, err := h.player(c)
	if err != nil {
		return err
	}
	args := struct {
		ItemName string `arg:"itemName"`
		Count    int    `arg:"count"`
	}{Count: 1}
	if err := command.DecodeArgs(c.Data, &args); err != nil {
		return err
	}
	if args.ItemName == "" {
		return command.Required("itemName")
	}
	if args.Count == 0 {
		return nil
	}
	if args.Count > math.MaxInt32 || args.Count < math.MinInt32 {
		return &command.ArgError{Arg: "count", Reason: "out of range"}
	}
	ent, err := h.World.EntityOf(id)
	if err != nil {
		return err
	}
	msg := &proto.GrantItem{Target: ent, Item: args.ItemName, Count: int32(args.Count)}
	if h.Items == nil {
		return h.World.GiveItem(ent, msg.Item, int(msg.Count))
	}
	return h.Items.SendToAuthority(ctx, ent, msg)
}

// GrantItemHandler returns the relay handler for item grants. A grant raised
// locally is already on the control loop and applies at once; a grant from a
// peer is queued through enqueue and applies on the next drain.
func (w *World) GrantItemHandler(enqueue func(command.Command)) relay.HandlerFunc {
	return func(ctx context.Context, from string, m proto.Message) {
		msg := m.(*proto.GrantItem)
		if from == relay.Local {
			if err := w.GiveItem(msg.Target, msg.Item, int(msg.Count)); err != nil {
				debuglog.Logf("world: grant item failed %s err=%v", debuglog.KV("entity", msg.Target, "item", msg.Item), err)
			}
			return
		}
		enqueue(command.Internal("grantitem", from, func(ctx context.Context, c command.Command) error {
			return w.GiveItem(msg.Target, msg.Item, int(msg.Count))
		}))
	}
}

func (h *Handlers) setMoney(ctx context.Context, c command.Command) error {
	var args struct {
		Amount *int64 `arg:"amount"`
	}
	if err := command.DecodeArgs(c.Data, &args); err != nil {
		return err
	}
	if args.Amount == nil {
		return command.Required("amount")
	}
	if *args.Amount < 0 || *args.Amount > int64(^uint32(0)) {
		return &command.ArgError{Arg: "amount", Reason: "out of range"}
	}
	h.World.SetMoney(uint32(*args.Amount))
	return nil
}

func (h *Handlers) changeStage(ctx context.Context, c command.Command) error {
	var args struct {
		Stage string `arg:"stageName"`
	}
	if err := command.DecodeArgs(c.Data, &args); err != nil {
		return err
	}
	if args.Stage == "" {
		return command.Required("stageName")
	}
	return h.World.ChangeStage(args.Stage)
}

func (h *Handlers) activateTeleporter(ctx context.Context, c command.Command) error {
	h.World.ActivateTeleporter()
	return nil
}

func (h *Handlers) chargeTeleporter(ctx context.Context, c command.Command) error {
	args := struct {
		Percent float64 `arg:"percent"`
	}{Percent: 100}
	if err := command.DecodeArgs(c.Data, &args); err != nil {
		return err
	}
	return h.World.ChargeTeleporter(args.Percent)
}

func (h *Handlers) refreshState(ctx context.Context, c command.Command) error {
	st := h.World.Snapshot()
	debuglog.Logf("world: state %s", debuglog.KV("players", len(st.Players), "stage", st.CurrentStage, "money", st.TeamMoney, "inRun", st.IsInRun))
	return nil
}

func (h *Handlers) debugPlayerItems(ctx context.Context, c command.Command) error {
	id, err := h.player(c)
	if err != nil {
		return err
	}
	items, err := h.World.Items(id)
	if err != nil {
		return err
	}
	debuglog.Logf("world: items %s %v", debuglog.KV("player", id), items)
	return nil
}

func (h *Handlers) grantPermission(ctx context.Context, c command.Command) error {
	if h.Grants == nil {
		return errors.New("permission changes unavailable")
	}
	var args struct {
		UserID string `arg:"userId"`
		Level  string `arg:"level"`
	}
	if err := command.DecodeArgs(c.Data, &args); err != nil {
		return err
	}
	if args.UserID == "" {
		return command.Required("userId")
	}
	role, err := permission.ParseRole(args.Level)
	if err != nil {
		return &command.ArgError{Arg: "level", Reason: err.Error()}
	}
	if err := h.Grants.GrantPermission(ctx, args.UserID, role); err != nil {
		return fmt.Errorf("grant %s to %s: %w", role, args.UserID, err)
	}
	return nil
}
