package processing

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"paineis/internal/model"
)

// audit appends an event for entity. The trail is best effort: a failed
// write is logged and the workflow goes on.
func (s *Service) audit(ctx context.Context, d *model.Dataset, evento, entidade string, entidadeID int64, actorID *int64, depois map[string]any) {
	raw, err := json.Marshal(depois)
	if err != nil {
		s.logger.Error("encode audit payload", zap.String("evento", evento), zap.Error(err))
		return
	}
	ev := &model.AuditEvent{
		MunicipioID: d.MunicipioID,
		Modulo:      auditModule,
		Evento:      evento,
		Entidade:    entidade,
		EntidadeID:  strconv.FormatInt(entidadeID, 10),
		UsuarioID:   actorID,
		Depois:      raw,
	}
	if err := s.repo.RecordAudit(ctx, ev); err != nil {
		s.logger.Error("record audit event", zap.String("evento", evento), zap.Int64("entidade_id", entidadeID), zap.Error(err))
	}
}
