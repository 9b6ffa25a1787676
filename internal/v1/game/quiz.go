package game

import (
	"log/slog"
	"sort"
	"time"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/metrics"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/protocol"
	"github.com/PEPEANT/singularity-ox/server/internal/v1/types"
)

// QuizPhase is a state of the per-room quiz machine.
type QuizPhase string

const (
	PhaseIdle        QuizPhase = "idle"
	PhaseStart       QuizPhase = "start"
	PhaseQuestion    QuizPhase = "question"
	PhaseLock        QuizPhase = "lock"
	PhaseResult      QuizPhase = "result"
	PhaseWaitingNext QuizPhase = "waiting-next"
	PhaseEnded       QuizPhase = "ended"
)

// End reasons carried on quiz:end.
const (
	EndReasonWinner     = "winner"
	EndReasonCompleted  = "completed"
	EndReasonPlayerLeft = "player-left"
	EndReasonStopped    = "stopped"
)

// Quiz pacing. LockSeconds is per-room configurable inside [3, 60].
const (
	prepareDelay       = 3200 * time.Millisecond
	defaultLockSeconds = 15.0
	minLockSeconds     = 3.0
	maxLockSeconds     = 60.0
	defaultNextDelay   = 3200 * time.Millisecond
	minNextDelay       = 1200 * time.Millisecond
	autoStartDelay     = 5 * time.Second
	minAutoStartDelay  = 2 * time.Second
	autoRestartDelay   = 9 * time.Second
)

// QuizState is the per-room quiz machine. It is guarded by the room lock.
type QuizState struct {
	Active bool
	Phase  QuizPhase

	AutoMode     bool
	AutoFinish   bool
	AutoStartsAt time.Time

	HostID    types.ClientIDType
	StartedAt time.Time
	EndedAt   time.Time

	QuestionIndex   int // -1 before the first question
	TotalQuestions  int
	CurrentQuestion *Question
	Questions       []Question
	configured      []Question

	LockSeconds float64
	LockAt      time.Time

	LastResult    map[string]any
	lastEndReason string

	autoStartTimer *time.Timer
	prepareTimer   *time.Timer
	lockTimer      *time.Timer
	nextTimer      *time.Timer
	restartTimer   *time.Timer
}

func newQuizState() QuizState {
	return QuizState{
		Phase:         PhaseIdle,
		AutoMode:      true,
		AutoFinish:    true,
		QuestionIndex: -1,
		LockSeconds:   defaultLockSeconds,
	}
}

func (q *QuizState) cancelTimersLocked() {
	for _, t := range []**time.Timer{&q.autoStartTimer, &q.prepareTimer, &q.lockTimer, &q.nextTimer, &q.restartTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
	q.AutoStartsAt = time.Time{}
}

// QuizBrief is the quiz block inside room:update and /health.
type QuizBrief struct {
	Active         bool      `json:"active"`
	Phase          QuizPhase `json:"phase"`
	AutoMode       bool      `json:"autoMode"`
	AutoStartsAt   int64     `json:"autoStartsAt,omitempty"`
	QuestionIndex  int       `json:"questionIndex"`
	TotalQuestions int       `json:"totalQuestions"`
}

func (q *QuizState) briefLocked() QuizBrief {
	brief := QuizBrief{
		Active:         q.Active,
		Phase:          q.Phase,
		AutoMode:       q.AutoMode,
		QuestionIndex:  q.QuestionIndex,
		TotalQuestions: q.TotalQuestions,
	}
	if !q.AutoStartsAt.IsZero() {
		brief.AutoStartsAt = q.AutoStartsAt.UnixMilli()
	}
	return brief
}

// --- Host operations ---

// StartQuiz begins a quiz on behalf of the host.
func (r *Room) StartQuiz(callerID types.ClientIDType) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isHostLocked(callerID) {
		return types.ErrHostOnly
	}
	return r.startQuizLocked()
}

// StopQuiz ends the quiz from any active state.
func (r *Room) StopQuiz(callerID types.ClientIDType) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isHostLocked(callerID) {
		return types.ErrHostOnly
	}
	if !r.quiz.Active {
		return types.ErrQuizNotActive
	}
	r.finishQuizLocked(EndReasonStopped)
	return ""
}

// NextQuestion advances past the waiting-next delay.
func (r *Room) NextQuestion(callerID types.ClientIDType) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isHostLocked(callerID) {
		return types.ErrHostOnly
	}
	if !r.quiz.Active {
		return types.ErrQuizNotActive
	}
	if r.quiz.Phase == PhaseQuestion {
		return types.ErrQuestionAlreadyOpen
	}
	if r.quiz.Phase != PhaseWaitingNext && r.quiz.Phase != PhaseResult {
		return types.ErrQuestionNotOpen
	}
	if r.quiz.QuestionIndex+1 >= r.quiz.TotalQuestions {
		return types.ErrNoMoreQuestions
	}
	if r.quiz.nextTimer != nil {
		r.quiz.nextTimer.Stop()
		r.quiz.nextTimer = nil
	}
	r.openQuestionLocked(r.quiz.QuestionIndex + 1)
	return ""
}

// PrevQuestion reopens the previous question.
func (r *Room) PrevQuestion(callerID types.ClientIDType) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isHostLocked(callerID) {
		return types.ErrHostOnly
	}
	if !r.quiz.Active {
		return types.ErrQuizNotActive
	}
	if r.quiz.Phase == PhaseQuestion {
		return types.ErrQuestionAlreadyOpen
	}
	if r.quiz.QuestionIndex <= 0 {
		return types.ErrNoPreviousQuestion
	}
	if r.quiz.nextTimer != nil {
		r.quiz.nextTimer.Stop()
		r.quiz.nextTimer = nil
	}
	r.openQuestionLocked(r.quiz.QuestionIndex - 1)
	return ""
}

// ForceLock closes the open question immediately.
func (r *Room) ForceLock(callerID types.ClientIDType) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isHostLocked(callerID) {
		return types.ErrHostOnly
	}
	if !r.quiz.Active {
		return types.ErrQuizNotActive
	}
	if r.quiz.Phase != PhaseQuestion {
		return types.ErrQuestionNotOpen
	}
	if r.quiz.lockTimer != nil {
		r.quiz.lockTimer.Stop()
		r.quiz.lockTimer = nil
	}
	r.lockQuestionLocked(r.quiz.QuestionIndex)
	return ""
}

// QuizStateSnapshot returns the quiz state for a host's quiz:state request.
func (r *Room) QuizStateSnapshot(callerID types.ClientIDType) (map[string]any, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.isHostLocked(callerID) {
		return nil, types.ErrHostOnly
	}
	q := &r.quiz
	snap := map[string]any{
		"active":         q.Active,
		"phase":          q.Phase,
		"autoMode":       q.AutoMode,
		"autoFinish":     q.AutoFinish,
		"questionIndex":  q.QuestionIndex,
		"totalQuestions": q.TotalQuestions,
		"lockSeconds":    q.LockSeconds,
		"survivors":      len(r.survivorsLocked()),
	}
	if q.CurrentQuestion != nil {
		snap["currentQuestion"] = *q.CurrentQuestion
	}
	if !q.LockAt.IsZero() {
		snap["lockAt"] = q.LockAt.UnixMilli()
	}
	return snap, ""
}

// GetQuizConfig returns the configured bank and end policy (host+owner).
func (r *Room) GetQuizConfig(callerID types.ClientIDType) (map[string]any, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caller, ok := r.players[callerID]
	if !ok {
		return nil, types.ErrPlayerNotFound
	}
	if !r.isHostLocked(callerID) || !caller.OwnerToken {
		return nil, types.ErrUnauthorized
	}
	questions := make([]Question, len(r.quiz.configured))
	copy(questions, r.quiz.configured)
	return map[string]any{
		"questions":   questions,
		"lockSeconds": r.quiz.LockSeconds,
		"autoMode":    r.quiz.AutoMode,
		"autoFinish":  r.quiz.AutoFinish,
	}, ""
}

// SetQuizConfig replaces the question bank and end policy (host+owner).
func (r *Room) SetQuizConfig(callerID types.ClientIDType, req protocol.QuizConfigPayload) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	caller, ok := r.players[callerID]
	if !ok {
		return types.ErrPlayerNotFound
	}
	if !r.isHostLocked(callerID) || !caller.OwnerToken {
		return types.ErrUnauthorized
	}
	if r.quiz.Active {
		return types.ErrQuizAlreadyActive
	}

	if len(req.Questions) > 0 {
		sanitized := SanitizeQuestions(req.Questions)
		if len(sanitized) == 0 {
			return types.ErrInvalidQuizConfig
		}
		r.quiz.configured = sanitized
	}
	if req.LockSeconds != 0 {
		r.quiz.LockSeconds = protocol.ClampFloat(req.LockSeconds, minLockSeconds, maxLockSeconds, defaultLockSeconds)
	}
	if req.AutoMode != nil {
		r.quiz.AutoMode = *req.AutoMode
		if r.quiz.AutoMode {
			r.scheduleAutoStartLocked()
		} else if r.quiz.autoStartTimer != nil {
			r.quiz.autoStartTimer.Stop()
			r.quiz.autoStartTimer = nil
			r.quiz.AutoStartsAt = time.Time{}
		}
	}
	if req.AutoFinish != nil {
		r.quiz.AutoFinish = *req.AutoFinish
	}
	return ""
}

// --- Machine internals ---

func (r *Room) startQuizLocked() string {
	q := &r.quiz
	if q.Active {
		return types.ErrQuizAlreadyActive
	}
	if r.gate.AdmissionInProgress {
		return types.ErrPlayersWaiting
	}
	if r.playableCountLocked() == 0 {
		return types.ErrNoPlayablePlayers
	}

	q.cancelTimersLocked()
	q.Active = true
	q.Phase = PhaseStart
	q.HostID = r.hostID
	q.StartedAt = r.now()
	q.EndedAt = time.Time{}
	q.QuestionIndex = -1
	q.CurrentQuestion = nil
	q.LastResult = nil
	q.lastEndReason = ""

	q.Questions = q.configured
	if len(q.Questions) == 0 {
		q.Questions = fallbackQuestionBank()
	}
	q.TotalQuestions = len(q.Questions)

	// The host runs the round from outside the floor; everyone else who is
	// admitted plays.
	for _, p := range r.order {
		p.Score = 0
		p.LastChoice = types.ChoiceNone
		p.LastChoiceReason = ""
		p.Alive = p.Participating() && p.ID != r.hostID
	}
	if r.playableCountLocked() == 1 {
		// Solo arena: the only participant may also be the host.
		for _, p := range r.order {
			if p.Participating() {
				p.Alive = true
			}
		}
	}

	metrics.QuizRounds.WithLabelValues(string(PhaseStart)).Inc()
	slog.Info("quiz starting", "room", r.Code, "questions", q.TotalQuestions)

	r.broadcastPriorityLocked(types.EventQuizStart, map[string]any{
		"totalQuestions": q.TotalQuestions,
		"startedAt":      q.StartedAt.UnixMilli(),
		"hostId":         q.HostID,
		"lockSeconds":    q.LockSeconds,
	})
	r.broadcastScoreLocked()

	q.prepareTimer = r.afterFunc(prepareDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed || !r.quiz.Active || r.quiz.Phase != PhaseStart {
			return
		}
		r.quiz.prepareTimer = nil
		r.openQuestionLocked(0)
	})
	return ""
}

func (r *Room) openQuestionLocked(index int) {
	q := &r.quiz
	if index < 0 || index >= q.TotalQuestions {
		return
	}
	q.QuestionIndex = index
	q.CurrentQuestion = &q.Questions[index]
	q.Phase = PhaseQuestion
	lockIn := time.Duration(q.LockSeconds * float64(time.Second))
	q.LockAt = r.now().Add(lockIn)

	r.broadcastPriorityLocked(types.EventQuizQuestion, map[string]any{
		"index":       index + 1,
		"total":       q.TotalQuestions,
		"id":          q.CurrentQuestion.ID,
		"text":        q.CurrentQuestion.Text,
		"lockSeconds": q.LockSeconds,
		"lockAt":      q.LockAt.UnixMilli(),
	})

	q.lockTimer = r.afterFunc(lockIn, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed || !r.quiz.Active || r.quiz.Phase != PhaseQuestion || r.quiz.QuestionIndex != index {
			return
		}
		r.quiz.lockTimer = nil
		r.lockQuestionLocked(index)
	})
}

// lockQuestionLocked freezes the question, judges every alive player by
// zone, and emits the result.
func (r *Room) lockQuestionLocked(index int) {
	q := &r.quiz
	q.Phase = PhaseLock
	r.broadcastPriorityLocked(types.EventQuizLock, map[string]any{"index": index + 1})

	question := q.CurrentQuestion
	var correctIDs, eliminatedIDs []types.ClientIDType
	var eliminated []map[string]any

	for _, p := range r.order {
		if !p.Alive {
			continue
		}
		choice, reason := r.zones.JudgeChoice(p.State.X, p.State.Z)
		p.LastChoice = choice
		p.LastChoiceReason = reason
		if choice == question.Answer {
			p.Score++
			correctIDs = append(correctIDs, p.ID)
			continue
		}
		p.Alive = false
		eliminatedIDs = append(eliminatedIDs, p.ID)
		eliminated = append(eliminated, map[string]any{
			"id":     p.ID,
			"choice": choice,
			"reason": reason,
			"x":      p.State.X,
			"z":      p.State.Z,
		})
	}

	survivors := r.survivorsLocked()
	q.Phase = PhaseResult
	result := map[string]any{
		"answer":              question.Answer,
		"index":               index + 1,
		"survivorCount":       len(survivors),
		"correctPlayerIds":    correctIDs,
		"eliminatedPlayerIds": eliminatedIDs,
		"eliminatedPlayers":   eliminated,
	}
	q.LastResult = result
	metrics.QuizRounds.WithLabelValues(string(PhaseResult)).Inc()

	r.broadcastPriorityLocked(types.EventQuizResult, result)
	r.broadcastScoreLocked()

	if (q.AutoFinish && len(survivors) <= 1) || index+1 >= q.TotalQuestions {
		reason := EndReasonCompleted
		if len(survivors) <= 1 {
			reason = EndReasonWinner
		}
		r.finishQuizLocked(reason)
		return
	}

	q.Phase = PhaseWaitingNext
	nextIn := defaultNextDelay
	if nextIn < minNextDelay {
		nextIn = minNextDelay
	}
	q.nextTimer = r.afterFunc(nextIn, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed || !r.quiz.Active || r.quiz.Phase != PhaseWaitingNext {
			return
		}
		r.quiz.nextTimer = nil
		r.openQuestionLocked(r.quiz.QuestionIndex + 1)
	})
}

func (r *Room) finishQuizLocked(reason string) {
	q := &r.quiz
	q.cancelTimersLocked()
	q.Active = false
	q.Phase = PhaseEnded
	q.EndedAt = r.now()
	q.lastEndReason = reason

	survivors := r.survivorsLocked()
	winnerIDs := make([]types.ClientIDType, 0, len(survivors))
	for _, p := range survivors {
		winnerIDs = append(winnerIDs, p.ID)
	}

	metrics.QuizRounds.WithLabelValues(string(PhaseEnded)).Inc()
	slog.Info("quiz ended", "room", r.Code, "reason", reason, "survivors", len(survivors))

	r.broadcastPriorityLocked(types.EventQuizEnd, map[string]any{
		"reason":        reason,
		"survivorCount": len(survivors),
		"winnerIds":     winnerIDs,
		"endedAt":       q.EndedAt.UnixMilli(),
	})
	r.broadcastScoreLocked()

	if q.AutoMode {
		q.restartTimer = r.afterFunc(autoRestartDelay, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.closed || r.quiz.Active {
				return
			}
			r.quiz.restartTimer = nil
			r.quiz.Phase = PhaseIdle
			r.quiz.QuestionIndex = -1
			r.quiz.CurrentQuestion = nil
			r.scheduleAutoStartLocked()
		})
	}
}

// scheduleAutoStartLocked arms the countdown when the room qualifies.
func (r *Room) scheduleAutoStartLocked() {
	q := &r.quiz
	if r.closed || !q.AutoMode || q.Active || q.autoStartTimer != nil {
		return
	}
	if q.Phase != PhaseIdle && q.Phase != PhaseEnded {
		return
	}
	players := r.playableCountLocked()
	if players < r.minPlayers {
		return
	}

	delay := autoStartDelay
	if delay < minAutoStartDelay {
		delay = minAutoStartDelay
	}
	q.AutoStartsAt = r.now().Add(delay)
	r.broadcastPriorityLocked(types.EventQuizAutoCountdown, map[string]any{
		"startsAt":   q.AutoStartsAt.UnixMilli(),
		"delayMs":    delay.Milliseconds(),
		"players":    players,
		"minPlayers": r.minPlayers,
	})

	q.autoStartTimer = r.afterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.quiz.autoStartTimer = nil
		r.quiz.AutoStartsAt = time.Time{}
		if r.closed || r.quiz.Active {
			return
		}
		if r.quiz.Phase == PhaseEnded {
			r.quiz.Phase = PhaseIdle
		}
		if err := r.startQuizLocked(); err != "" {
			slog.Info("auto-start deferred", "room", r.Code, "reason", err)
			r.scheduleAutoStartLocked()
		}
	})
}

// --- Score & snapshots ---

// ScoreEntry is one leaderboard row in quiz:score.
type ScoreEntry struct {
	ID    types.ClientIDType `json:"id"`
	Name  string             `json:"name"`
	Score int                `json:"score"`
	Alive bool               `json:"alive"`
}

func (r *Room) scorePayloadLocked() map[string]any {
	entries := make([]ScoreEntry, 0, len(r.order))
	for _, p := range r.order {
		if !p.Participating() && !p.Alive {
			continue
		}
		entries = append(entries, ScoreEntry{ID: p.ID, Name: p.Name, Score: p.Score, Alive: p.Alive})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Alive != entries[j].Alive {
			return entries[i].Alive
		}
		return entries[i].Name < entries[j].Name
	})
	return map[string]any{
		"leaderboard":    entries,
		"survivors":      len(r.survivorsLocked()),
		"phase":          r.quiz.Phase,
		"questionIndex":  r.quiz.QuestionIndex,
		"totalQuestions": r.quiz.TotalQuestions,
	}
}

func (r *Room) broadcastScoreLocked() {
	r.broadcastLocked(types.EventQuizScore, r.scorePayloadLocked())
}

// sendQuizSnapshotLocked replays to a late joiner the event sequence needed
// to reconstruct the quiz UI.
func (r *Room) sendQuizSnapshotLocked(p *Player) {
	q := &r.quiz
	if q.autoStartTimer != nil && !q.AutoStartsAt.IsZero() {
		p.SendPriority(types.EventQuizAutoCountdown, map[string]any{
			"startsAt":   q.AutoStartsAt.UnixMilli(),
			"delayMs":    q.AutoStartsAt.Sub(r.now()).Milliseconds(),
			"players":    r.playableCountLocked(),
			"minPlayers": r.minPlayers,
		})
	}
	if !q.Active && q.Phase != PhaseEnded {
		return
	}
	if q.Active {
		p.SendPriority(types.EventQuizStart, map[string]any{
			"totalQuestions": q.TotalQuestions,
			"startedAt":      q.StartedAt.UnixMilli(),
			"hostId":         q.HostID,
			"lockSeconds":    q.LockSeconds,
		})
		if q.Phase == PhaseQuestion && q.CurrentQuestion != nil {
			p.SendPriority(types.EventQuizQuestion, map[string]any{
				"index":       q.QuestionIndex + 1,
				"total":       q.TotalQuestions,
				"id":          q.CurrentQuestion.ID,
				"text":        q.CurrentQuestion.Text,
				"lockSeconds": q.LockSeconds,
				"lockAt":      q.LockAt.UnixMilli(),
			})
		}
	}
	if q.LastResult != nil {
		p.SendPriority(types.EventQuizResult, q.LastResult)
	}
	p.Send(types.EventQuizScore, r.scorePayloadLocked())
	if q.Phase == PhaseEnded {
		p.SendPriority(types.EventQuizEnd, map[string]any{
			"reason":        q.lastEndReason,
			"survivorCount": len(r.survivorsLocked()),
			"endedAt":       q.EndedAt.UnixMilli(),
		})
	}
}

// reconcileRosterLocked runs after any roster mutation.
func (r *Room) reconcileRosterLocked() {
	if r.quiz.Active {
		return
	}
	r.broadcastScoreLocked()
	r.scheduleAutoStartLocked()
}

// reconcileAfterLeaveLocked finishes the round when an alive player's
// departure collapses it.
func (r *Room) reconcileAfterLeaveLocked(wasAlive bool) {
	if !r.quiz.Active {
		r.reconcileRosterLocked()
		return
	}
	if wasAlive && len(r.survivorsLocked()) <= 1 {
		r.finishQuizLocked(EndReasonPlayerLeft)
	}
}
