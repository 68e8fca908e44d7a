package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"price-alert-engine/internal/alerting"
	"price-alert-engine/internal/rules"
)

// Event is a notification awaiting delivery. The evaluation stage creates it;
// the dispatcher owns it until terminal. No other component mutates it in
// flight.
type Event struct {
	ID          string
	RuleID      string
	OwnerID     string
	Recipient   string
	Symbol      string
	Condition   rules.Condition
	Price       decimal.Decimal
	Threshold   decimal.Decimal
	GeneratedAt time.Time
	Attempts    int
}

// routeKey keeps all attempts for one (rule, instrument) on the same worker.
func (e *Event) routeKey() string {
	return e.RuleID + "\x00" + e.Symbol
}

func renderMessage(ev *Event) alerting.Message {
	subject := fmt.Sprintf("[Price Alert] %s %s %s", ev.Symbol, conditionPhrase(ev.Condition), ev.Threshold.String())

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Instrument: %s\n", ev.Symbol))
	builder.WriteString(fmt.Sprintf("Condition: %s %s\n", ev.Condition, ev.Threshold.String()))
	builder.WriteString(fmt.Sprintf("Price: %s\n", ev.Price.String()))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", ev.GeneratedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Rule: %s\n", ev.RuleID))

	return alerting.Message{
		Recipient: ev.Recipient,
		Subject:   subject,
		Body:      builder.String(),
	}
}

func conditionPhrase(c rules.Condition) string {
	switch c {
	case rules.GreaterThan:
		return "above"
	case rules.LessThan:
		return "below"
	case rules.CrossesAbove:
		return "crossed above"
	case rules.CrossesBelow:
		return "crossed below"
	}
	return string(c)
}
