package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"sessionops/internal/proto"
)

var ErrNoPlayer = errors.New("player not found")

const (
	defaultMaxHealth = 110
	firstStage       = "golemplains"
)

type Player struct {
	PlayerID       int            `json:"playerId"`
	UserID         string         `json:"userId"`
	PlayerName     string         `json:"playerName"`
	IsAlive        bool           `json:"isAlive"`
	Health         float64        `json:"health"`
	MaxHealth      float64        `json:"maxHealth"`
	GodModeEnabled bool           `json:"godModeEnabled"`
	Level          int            `json:"level"`
	Items          map[string]int `json:"items"`

	entity proto.EntityID
}

type Teleporter struct {
	IsActive       bool    `json:"isActive"`
	IsCharged      bool    `json:"isCharged"`
	ChargeProgress float64 `json:"chargeProgress"`
}

// State is the serializable read of the world handed to subscribers.
type State struct {
	Players      []Player   `json:"players"`
	TeamMoney    uint32     `json:"teamMoney"`
	CurrentStage string     `json:"currentStage"`
	StageNumber  int        `json:"stageNumber"`
	IsInRun      bool       `json:"isInRun"`
	Teleporter   Teleporter `json:"teleporter"`
}

// World is the in-memory environment commands act on. Mutations happen on
// the control loop; snapshots may be taken from any goroutine.
type World struct {
	mu         sync.RWMutex
	players    map[int]*Player
	nextID     int
	nextEntity proto.EntityID
	money      uint32
	stage      string
	stageNum   int
	teleporter Teleporter
}

func New() *World {
	return &World{
		players:  make(map[int]*Player),
		nextID:   1,
		stage:    firstStage,
		stageNum: 1,
	}
}

// EnsurePlayer returns the player for userID, creating it on first sight.
func (w *World) EnsurePlayer(userID, name string) (int, proto.EntityID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.players {
		if p.UserID == userID {
			if name != "" {
				p.PlayerName = name
			}
			return p.PlayerID, p.entity
		}
	}
	w.nextEntity++
	p := &Player{
		PlayerID:   w.nextID,
		UserID:     userID,
		PlayerName: name,
		IsAlive:    true,
		Health:     defaultMaxHealth,
		MaxHealth:  defaultMaxHealth,
		Level:      1,
		Items:      make(map[string]int),
		entity:     w.nextEntity,
	}
	w.players[p.PlayerID] = p
	w.nextID++
	return p.PlayerID, p.entity
}

func (w *World) RemovePlayer(userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, p := range w.players {
		if p.UserID == userID {
			delete(w.players, id)
			return true
		}
	}
	return false
}

// Resolve maps a command's player reference to a player id. A negative id
// means the sender's own player.
func (w *World) Resolve(playerID int, senderID string) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if playerID >= 0 {
		if _, ok := w.players[playerID]; ok {
			return playerID, nil
		}
		return 0, fmt.Errorf("player %d: %w", playerID, ErrNoPlayer)
	}
	for _, p := range w.players {
		if p.UserID == senderID {
			return p.PlayerID, nil
		}
	}
	return 0, fmt.Errorf("player of %s: %w", senderID, ErrNoPlayer)
}

// EntityOf returns the entity that carries playerID's inventory.
func (w *World) EntityOf(playerID int) (proto.EntityID, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.players[playerID]
	if !ok {
		return 0, fmt.Errorf("player %d: %w", playerID, ErrNoPlayer)
	}
	return p.entity, nil
}

func (w *World) update(playerID int, fn func(p *Player)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.players[playerID]
	if !ok {
		return fmt.Errorf("player %d: %w", playerID, ErrNoPlayer)
	}
	fn(p)
	return nil
}

func (w *World) SetGodMode(playerID int, enabled bool) error {
	return w.update(playerID, func(p *Player) { p.GodModeEnabled = enabled })
}

func (w *World) SetHealth(playerID int, health float64) error {
	if health < 0 {
		return fmt.Errorf("health %.1f is negative", health)
	}
	return w.update(playerID, func(p *Player) {
		if health > p.MaxHealth {
			health = p.MaxHealth
		}
		p.Health = health
		p.IsAlive = health > 0
	})
}

func (w *World) SetLevel(playerID, level int) error {
	if level < 1 {
		return fmt.Errorf("level %d below 1", level)
	}
	return w.update(playerID, func(p *Player) { p.Level = level })
}

func (w *World) Kill(playerID int) error {
	return w.update(playerID, func(p *Player) {
		p.Health = 0
		p.IsAlive = false
	})
}

func (w *World) Revive(playerID int) error {
	return w.update(playerID, func(p *Player) {
		p.Health = p.MaxHealth
		p.IsAlive = true
	})
}

// GiveItem adds count of item to the player owning entity. A negative count
// removes up to what the player holds.
func (w *World) GiveItem(entity proto.EntityID, item string, count int) error {
	item = strings.TrimSpace(item)
	if item == "" {
		return errors.New("item name is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.players {
		if p.entity != entity {
			continue
		}
		n := p.Items[item] + count
		if n <= 0 {
			delete(p.Items, item)
		} else {
			p.Items[item] = n
		}
		return nil
	}
	return fmt.Errorf("entity %d: %w", entity, ErrNoPlayer)
}

func (w *World) Items(playerID int) (map[string]int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.players[playerID]
	if !ok {
		return nil, fmt.Errorf("player %d: %w", playerID, ErrNoPlayer)
	}
	out := make(map[string]int, len(p.Items))
	for k, v := range p.Items {
		out[k] = v
	}
	return out, nil
}

func (w *World) SetMoney(amount uint32) {
	w.mu.Lock()
	w.money = amount
	w.mu.Unlock()
}

// ChangeStage moves the run to stage and resets the teleporter.
func (w *World) ChangeStage(stage string) error {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return errors.New("stage name is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stage = stage
	w.stageNum++
	w.teleporter = Teleporter{}
	return nil
}

func (w *World) ActivateTeleporter() {
	w.mu.Lock()
	w.teleporter.IsActive = true
	w.mu.Unlock()
}

// ChargeTeleporter sets the charge in percent; 100 marks it charged.
func (w *World) ChargeTeleporter(percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("charge %.1f outside 0..100", percent)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.teleporter.IsActive = true
	w.teleporter.ChargeProgress = percent / 100
	w.teleporter.IsCharged = percent >= 100
	return nil
}

// ApplyGodMode tops up every living player with god mode enabled. It runs on
// the control loop after each drain.
func (w *World) ApplyGodMode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, p := range w.players {
		if p.GodModeEnabled && p.IsAlive && p.Health < p.MaxHealth {
			p.Health = p.MaxHealth
			n++
		}
	}
	return n
}

// InRun reports whether any player is alive.
func (w *World) InRun() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inRunLocked()
}

func (w *World) inRunLocked() bool {
	for _, p := range w.players {
		if p.IsAlive {
			return true
		}
	}
	return false
}

func (w *World) Snapshot() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := State{
		Players:      make([]Player, 0, len(w.players)),
		TeamMoney:    w.money,
		CurrentStage: w.stage,
		StageNumber:  w.stageNum,
		IsInRun:      w.inRunLocked(),
		Teleporter:   w.teleporter,
	}
	for _, p := range w.players {
		cp := *p
		cp.Items = make(map[string]int, len(p.Items))
		for k, v := range p.Items {
			cp.Items[k] = v
		}
		st.Players = append(st.Players, cp)
	}
	sort.Slice(st.Players, func(i, j int) bool { return st.Players[i].PlayerID < st.Players[j].PlayerID })
	return st
}

// SnapshotJSON is the serialized snapshot. encoding/json sorts map keys, so
// equal states serialize to equal bytes.
func (w *World) SnapshotJSON() ([]byte, error) {
	return json.Marshal(w.Snapshot())
}
