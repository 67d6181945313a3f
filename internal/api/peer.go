package api

import (
	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// HandlePeerMessage serves the control messages peers send over their
// delivery connection. It is registered with Hub.OnMessage.
func (s *Server) HandlePeerMessage(conn video.ConnID, env *protocol.Envelope) {
	log := logger.WithComponent("api")

	switch env.Type {
	case protocol.TypeScreenshot:
		var req protocol.ScreenshotRequest
		if err := env.DecodePayload(&req); err != nil {
			log.Debug().Err(err).Int32("conn_id", int32(conn)).Msg("Bad screenshot request")
			return
		}
		s.deps.Pipelines.RequestScreenshot(req.Display, req.SID, func(resp protocol.ScreenshotResponse) error {
			return s.deps.Hub.SendTo(conn, protocol.Message{
				Type:    protocol.TypeScreenshotResponse,
				Payload: &resp,
			})
		})

	case protocol.TypePrivacy:
		var req protocol.PrivacyRequest
		if err := env.DecodePayload(&req); err != nil {
			log.Debug().Err(err).Int32("conn_id", int32(conn)).Msg("Bad privacy request")
			return
		}
		if !req.On {
			s.deps.Privacy.Clear(conn)
			return
		}
		if !s.deps.Privacy.Set(conn) {
			s.deps.Hub.SendTo(conn, protocol.Message{
				Type:    protocol.TypePrivacyMode,
				Payload: &protocol.PrivacyMode{State: protocol.PrivacyOnByOther},
			})
		}

	default:
		log.Debug().
			Int32("conn_id", int32(conn)).
			Str("type", string(env.Type)).
			Msg("Ignoring unexpected peer message")
	}
}
