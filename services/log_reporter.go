package services

import (
	"fmt"
	"strings"

	"livedata-service/pkg/common"
	"livedata-service/pkg/models"
	"livedata-service/pkg/processing"
)

// LogReporter 把未结算施法和未匹配结算写入日志
type LogReporter struct {
	logger common.Logger
}

// NewLogReporter 创建日志上报器
func NewLogReporter(l common.Logger) *LogReporter {
	if l == nil {
		l = common.NewLogger("Unresolved")
	}
	return &LogReporter{logger: l}
}

// UnresolvedCast 实现 processing.UnresolvedReporter
func (r *LogReporter) UnresolvedCast(cast models.ActiveCast, reason models.UnresolvedReason) {
	r.logger.Info("Cast of spell %d by caster %d left unresolved (%s, started %d, deadline %d)",
		cast.SpellID, cast.CasterID, reason, cast.StartedAt, cast.Deadline)
}

// UnmatchedResolution 实现 processing.UnresolvedReporter
func (r *LogReporter) UnmatchedResolution(event models.RawEvent, err error) {
	h := event.Header()
	r.logger.Debug("Unmatched %s from actor %d at %d: %v", event.Kind(), h.ActorID, h.Timestamp, err)
}

// Reporters 依次转发给多个上报器
type Reporters []processing.UnresolvedReporter

// UnresolvedCast 实现 processing.UnresolvedReporter
func (rs Reporters) UnresolvedCast(cast models.ActiveCast, reason models.UnresolvedReason) {
	for _, r := range rs {
		r.UnresolvedCast(cast, reason)
	}
}

// UnmatchedResolution 实现 processing.UnresolvedReporter
func (rs Reporters) UnmatchedResolution(event models.RawEvent, err error) {
	for _, r := range rs {
		r.UnmatchedResolution(event, err)
	}
}

// String 便于日志输出
func (rs Reporters) String() string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = fmt.Sprintf("%T", r)
	}
	return strings.Join(names, ",")
}
