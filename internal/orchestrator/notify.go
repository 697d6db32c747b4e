package orchestrator

import (
	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
)

// Notifier surfaces user-visible session failures. Bind failures are shown
// only for roles expected to always be present; non-UI observers may
// legitimately refuse to bind.
type Notifier interface {
	NotifyBindFailure(id consumer.Identity)
	NotifyNotResponding(id consumer.Identity)
}

// AnomalyReporter escalates emergency-path failures, the only class eligible
// for platform-level crash reporting.
type AnomalyReporter interface {
	ReportEmergencyGap(tenant callmodel.Tenant, reason string)
}

// NopNotifier drops all notifications.
type NopNotifier struct{}

// NotifyBindFailure implements Notifier.
func (NopNotifier) NotifyBindFailure(consumer.Identity) {}

// NotifyNotResponding implements Notifier.
func (NopNotifier) NotifyNotResponding(consumer.Identity) {}

// NopAnomalyReporter drops all escalations.
type NopAnomalyReporter struct{}

// ReportEmergencyGap implements AnomalyReporter.
func (NopAnomalyReporter) ReportEmergencyGap(callmodel.Tenant, string) {}
