package stage

// dispatch switches on the RoutePacket kind and always runs on
// the Stage's single worker goroutine.
func (s *Stage) dispatch(p RoutePacket) {
	switch p.Kind {
	case KindClientPacket:
		s.dispatchClientPacket(p)
	case KindStagePacket:
		s.CurrentRequest = RequestContext{
			MsgID:       p.Packet.MsgID,
			MsgSeq:      p.Packet.MsgSeq,
			Active:      p.Packet.IsRequest(),
			ReplyOrigin: p.ReplyOrigin,
		}
		s.User.OnDispatchStage(p.Packet)
		s.CurrentRequest = RequestContext{}
	case KindTimer, KindAsyncResult:
		if p.Invoke != nil {
			p.Invoke()
		}
	}
}

func (s *Stage) dispatchClientPacket(p RoutePacket) {
	a := s.Actors.Get(p.AccountID)
	if a == nil {
		s.logger.Warn("client packet for unknown actor", "stageId", s.StageID, "accountId", p.AccountID)
		return
	}

	s.CurrentRequest = RequestContext{
		SessionID: a.SessionID,
		AccountID: a.AccountID,
		MsgID:     p.Packet.MsgID,
		MsgSeq:    p.Packet.MsgSeq,
		Active:    p.Packet.IsRequest(),
	}
	s.User.OnDispatchActor(a, p.Packet)
	s.CurrentRequest = RequestContext{}
}
