package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

const publishTimeout = 2 * time.Second

func (r *Room) view() types.RoomView {
	v := types.RoomView{
		ID:        r.id,
		Mode:      r.mode,
		Variant:   r.variant,
		Status:    r.status,
		Version:   r.version,
		CreatedAt: r.createdAt,
		Players:   append([]types.RoomPlayer(nil), r.players...),
	}
	if r.variant == types.VariantBeast {
		v.Units = append([]types.Unit(nil), r.battle.Units...)
		v.Actions = append([]types.BattleAction(nil), r.actions...)
		if turn := r.battle.CurrentTurn(); turn != "" && r.status == types.StatusActive {
			v.CurrentTurn = turn
			deadline := r.turnDeadline
			v.TurnDeadline = &deadline
		}
	} else {
		v.Snapshots = append([]types.PriceSnapshot(nil), r.snapshots...)
	}
	if r.result != nil {
		res := *r.result
		v.Result = &res
	}
	return v
}

func (r *Room) publishState() {
	r.publish(types.EventRoomState, types.RoomState{RoomID: r.id, Room: r.view()})
}

// publish runs on the room goroutine, which keeps room topic order equal to
// emission order.
func (r *Room) publish(typ types.EventType, v any) {
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := bus.Publish(ctx, r.bus, r.topic, typ, v); err != nil {
		r.log.Warn("publish failed", zap.String("event", string(typ)), zap.Error(err))
	}
}
