package room

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/madrasatech/liveclass/internal/signaling"
)

// Router dispatches server-pushed events to state mutations. Events may
// race with in-flight requests (a producerCreated can land before the
// join snapshot has been applied), so every lookup is defensive.
type Router struct {
	state *State
	log   *zap.Logger

	// SubscribeProducer is invoked when a newly announced remote producer
	// should be consumed. Set by the orchestration layer.
	SubscribeProducer func(producerID, participantID string, isScreenShare bool)

	// CloseConsumer tears down the local consumer for a closed producer
	// and reports the kind and screen-share flag it was tracking, since
	// the close event does not repeat that metadata.
	CloseConsumer func(producerID string) (kind string, isScreenShare bool, ok bool)
}

func NewRouter(state *State, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{state: state, log: logger.Named("router")}
}

// Handle routes one server-pushed message.
func (r *Router) Handle(msg signaling.Message) {
	switch msg.Type {
	case signaling.EventParticipantJoined:
		var info signaling.ParticipantInfo
		if !r.decode(msg, &info) {
			return
		}
		r.state.AddParticipant(info)

	case signaling.EventParticipantLeft:
		var ev signaling.ParticipantLeftEvent
		if !r.decode(msg, &ev) {
			return
		}
		r.state.RemoveParticipant(ev.ParticipantID)

	case signaling.EventProducerCreated:
		var ev signaling.ProducerCreatedEvent
		if !r.decode(msg, &ev) {
			return
		}
		r.state.MarkProducer(ev)
		if r.SubscribeProducer != nil {
			r.SubscribeProducer(ev.ProducerID, ev.ParticipantID, ev.AppData.IsScreenShare)
		}

	case signaling.EventProducerClosed:
		var ev signaling.ProducerClosedEvent
		if !r.decode(msg, &ev) {
			return
		}
		kind, isScreenShare, ok := "", false, false
		if r.CloseConsumer != nil {
			kind, isScreenShare, ok = r.CloseConsumer(ev.ProducerID)
		}
		if !ok {
			// No local consumer for this producer; fall back to the
			// participant's tracked descriptor.
			if p, found := r.state.Participant(ev.ParticipantID); found {
				if info, have := p.Producers[ev.ProducerID]; have {
					kind, isScreenShare, ok = info.Kind, info.AppData.IsScreenShare, true
				}
			}
		}
		if !ok {
			r.log.Debug("producerClosed for unknown producer",
				zap.String("producerId", ev.ProducerID))
			return
		}
		r.state.ClearProducer(ev.ParticipantID, ev.ProducerID, kind, isScreenShare)

	case signaling.EventProducerPaused:
		var ev signaling.ProducerPausedEvent
		if !r.decode(msg, &ev) {
			return
		}
		r.pauseResume(ev.ParticipantID, ev.ProducerID, ev.Kind, false)

	case signaling.EventProducerResumed:
		var ev signaling.ProducerResumedEvent
		if !r.decode(msg, &ev) {
			return
		}
		r.pauseResume(ev.ParticipantID, ev.ProducerID, ev.Kind, true)

	default:
		r.log.Debug("unhandled event", zap.String("type", msg.Type))
	}
}

// pauseResume flips the per-kind enabled flag. A paused screen-share
// producer does not touch the camera flag.
func (r *Router) pauseResume(participantID, producerID, kind string, enabled bool) {
	if p, ok := r.state.Participant(participantID); ok {
		if info, have := p.Producers[producerID]; have && info.AppData.IsScreenShare {
			// Pausing a screen share is not a camera state change; the
			// sharing flag itself only clears on close.
			return
		}
	}
	r.state.SetMediaEnabled(participantID, kind, enabled)
}

func (r *Router) decode(msg signaling.Message, out any) bool {
	if err := json.Unmarshal(msg.Data, out); err != nil {
		r.log.Warn("dropping malformed event",
			zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return true
}
