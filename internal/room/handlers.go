package room

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/scoring"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

func (r *Room) seat(playerID string) int {
	for i, p := range r.players {
		if p.ID == playerID {
			return i
		}
	}
	return -1
}

func (r *Room) isBot(playerID string) bool {
	i := r.seat(playerID)
	return i >= 0 && r.players[i].Bot
}

func (r *Room) allReady() bool {
	for _, p := range r.players {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (r *Room) bump() { r.version++ }

func (r *Room) ready(playerID string) error {
	i := r.seat(playerID)
	if i < 0 {
		return ErrNotInRoom
	}
	if r.status != types.StatusWaiting || r.players[i].Ready {
		return nil
	}
	r.players[i].Ready = true
	r.bump()
	r.publishState()
	if r.allReady() {
		r.startCountdown()
	}
	return nil
}

// startCountdown always runs at least one tick so every client renders the
// same start instant.
func (r *Room) startCountdown() {
	r.status = types.StatusCountdown
	r.countdownLeft = max(r.settings.CountdownTicks, 1)
	r.bump()
	r.log.Info("countdown started", zap.Int("ticks", r.countdownLeft))
	r.publish(types.EventRoomCountdown, types.RoomCountdown{RoomID: r.id, SecondsLeft: r.countdownLeft})
	r.schedule("countdown", r.settings.CountdownInterval, countdownTick{})
}

func (r *Room) countdownTick() {
	if r.status != types.StatusCountdown {
		return
	}
	r.countdownLeft--
	if r.countdownLeft > 0 {
		r.publish(types.EventRoomCountdown, types.RoomCountdown{RoomID: r.id, SecondsLeft: r.countdownLeft})
		r.schedule("countdown", r.settings.CountdownInterval, countdownTick{})
		return
	}
	r.activate()
}

func (r *Room) activate() {
	r.status = types.StatusActive
	r.bump()

	switch r.variant {
	case types.VariantBeast:
		r.battle = engine.Start(r.battle)
		r.armTurn()
	case types.VariantPortfolio:
		r.book = scoring.NewBook(r.seated())
		r.startScorer()
	}

	r.log.Info("battle started", zap.String("variant", string(r.variant)))
	r.publish(types.EventBattleStart, types.BattleStart{RoomID: r.id, Room: r.view()})
}

// armTurn resets the per-turn timer for the current holder and schedules
// the bot when it holds the turn.
func (r *Room) armTurn() {
	r.turnGen++
	gen := r.turnGen
	r.turnDeadline = now().Add(r.settings.TurnTimeout)
	r.schedule("turn", r.settings.TurnTimeout, turnExpired{gen: gen})
	if r.isBot(r.battle.CurrentTurn()) {
		r.schedule("bot", r.settings.BotDelay, botMove{gen: gen})
	}
}

func (r *Room) submit(a types.BattleAction) error {
	if r.seat(a.PlayerID) < 0 {
		return ErrNotInRoom
	}
	if r.variant != types.VariantBeast {
		return ErrWrongVariant
	}
	return r.apply(a)
}

func (r *Room) apply(a types.BattleAction) error {
	a.ID = uuid.NewString()
	events, next, err := engine.Apply(r.battle, engine.Command{Type: engine.CmdSubmitAction, Action: a})
	if err != nil {
		r.log.Debug("action rejected",
			zap.String("player_id", a.PlayerID),
			zap.String("code", engine.Reason(err)),
		)
		return err
	}

	r.battle = next
	applied := events[0].Action
	r.actions = append(r.actions, applied)
	r.bump()

	if next.Done {
		r.publish(types.EventBattleAction, types.BattleActionEvent{RoomID: r.id, Action: applied, Room: r.view()})
		r.finish(next.Winner, types.EndDefeat)
		return nil
	}

	r.armTurn()
	r.publish(types.EventBattleAction, types.BattleActionEvent{RoomID: r.id, Action: applied, Room: r.view()})
	return nil
}

func (r *Room) turnExpired(gen int) {
	if gen != r.turnGen || r.status != types.StatusActive {
		return
	}
	events, next, err := engine.Apply(r.battle, engine.Command{Type: engine.CmdTimeoutAdvance})
	if err != nil {
		return
	}
	skipped := events[0].PlayerID
	r.battle = next
	r.bump()
	r.armTurn()

	r.log.Debug("turn skipped", zap.String("player_id", skipped))
	r.publish(types.EventTurnSkipped, types.TurnSkipped{RoomID: r.id, SkippedPlayerID: skipped, Room: r.view()})
}

func (r *Room) botMove(gen int) {
	if gen != r.turnGen || r.status != types.StatusActive {
		return
	}
	holder := r.battle.CurrentTurn()
	if !r.isBot(holder) {
		return
	}
	a, ok := engine.BotAction(r.battle, holder)
	if !ok {
		return
	}
	if err := r.apply(a); err != nil {
		r.log.Warn("bot move rejected", zap.Error(err))
	}
}

func (r *Room) priceTick(t priceTick) {
	if r.status != types.StatusActive || r.book == nil {
		return
	}
	if t.err != nil {
		r.log.Warn("price lookup failed, reusing last prices", zap.Int("tick", t.tick), zap.Error(t.err))
	}
	r.book.Update(t.quotes)

	snap := r.book.Snapshot(t.tick, r.seated(), r.settings.ScorePrecision, now())
	r.snapshots = append(r.snapshots, snap)
	r.bump()
	r.publish(types.EventPriceUpdate, types.PriceUpdate{RoomID: r.id, Snapshot: snap})

	if t.tick >= r.settings.totalTicks() {
		winner := scoring.Winner(snap.TeamScores, r.order(), r.settings.ScorePrecision)
		r.finish(winner, types.EndTime)
	}
}

func (r *Room) forfeit(playerID string) error {
	if r.seat(playerID) < 0 {
		return ErrNotInRoom
	}
	if r.status == types.StatusFinished {
		return ErrFinished
	}
	r.log.Info("player forfeited", zap.String("player_id", playerID))
	r.finish(r.opponentOf(playerID), types.EndForfeit)
	return nil
}

func (r *Room) opponentOf(playerID string) string {
	for _, p := range r.players {
		if p.ID != playerID {
			return p.ID
		}
	}
	return ""
}

// setConnected tracks human connections. Losing one arms the forfeit grace
// timer for that player; rejoining cancels it.
func (r *Room) setConnected(playerID string, connected bool) {
	i := r.seat(playerID)
	if i < 0 || r.players[i].Bot {
		return
	}

	key := "grace:" + playerID
	r.graceGen[playerID]++
	if connected {
		r.cancelTimer(key)
	} else if r.status != types.StatusFinished {
		r.schedule(key, r.settings.ForfeitGrace, graceExpired{playerID: playerID, gen: r.graceGen[playerID]})
	}

	if r.players[i].Connected == connected {
		return
	}
	r.players[i].Connected = connected
	r.bump()
	r.log.Info("connection changed", zap.String("player_id", playerID), zap.Bool("connected", connected))
	r.publishState()
}

func (r *Room) graceExpired(playerID string, gen int) {
	if gen != r.graceGen[playerID] || r.status == types.StatusFinished {
		return
	}
	i := r.seat(playerID)
	if i < 0 || r.players[i].Connected {
		return
	}

	winner := ""
	for _, p := range r.players {
		if p.ID != playerID && p.Connected {
			winner = p.ID
		}
	}
	r.log.Info("forfeit grace elapsed", zap.String("player_id", playerID), zap.String("winner", winner))
	r.finish(winner, types.EndForfeit)
}

// finish computes and emits the result. Later calls are no-ops.
func (r *Room) finish(winner string, reason types.EndReason) {
	if r.result != nil {
		return
	}
	r.status = types.StatusFinished
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
	if r.stopScorer != nil {
		r.stopScorer()
	}
	if r.variant == types.VariantBeast && !r.battle.Done {
		r.battle = engine.Forfeit(r.battle, winner)
	}

	res := types.MatchResult{
		RoomID:         r.id,
		Mode:           r.mode,
		Variant:        r.variant,
		PlayerIDs:      r.order(),
		WinnerPlayerID: winner,
		FinalScores:    r.finalScores(),
		Reason:         reason,
		EndedAt:        now(),
	}
	if len(r.snapshots) > 0 {
		res.History = append([]types.PriceSnapshot(nil), r.snapshots...)
	}
	if len(r.actions) > 0 {
		res.Actions = append([]types.BattleAction(nil), r.actions...)
	}
	r.result = &res
	r.bump()

	r.log.Info("battle finished",
		zap.String("winner", winner),
		zap.String("reason", string(reason)),
	)
	r.publish(types.EventBattleEnd, types.BattleEnd{RoomID: r.id, Result: res})
	if r.onFinish != nil {
		r.onFinish(res)
	}
	r.schedule("retention", r.settings.Retention, retentionExpired{})
}

func (r *Room) finalScores() map[string]float64 {
	if r.variant == types.VariantBeast {
		return engine.HealthTotals(r.battle)
	}
	out := make(map[string]float64, len(r.players))
	for _, p := range r.players {
		out[p.ID] = 0
	}
	if n := len(r.snapshots); n > 0 {
		for id, s := range r.snapshots[n-1].TeamScores {
			out[id] = s
		}
	}
	return out
}

// ack records that a human saw the result. Reports whether every human has.
func (r *Room) ack(playerID string) bool {
	if r.status != types.StatusFinished {
		return false
	}
	i := r.seat(playerID)
	if i < 0 || r.players[i].Bot {
		return false
	}
	r.acked[playerID] = true
	for _, p := range r.players {
		if !p.Bot && !r.acked[p.ID] {
			return false
		}
	}
	return true
}

func (r *Room) seated() []types.Player {
	out := make([]types.Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p.Player)
	}
	return out
}

func (r *Room) order() []string {
	out := make([]string, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p.ID)
	}
	return out
}
