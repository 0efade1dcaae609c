package events

// Trigger names the write that caused a live update.
type Trigger string

const (
	TriggerHeartbeat   Trigger = "heartbeat"
	TriggerError       Trigger = "error"
	TriggerPrice       Trigger = "price"
	TriggerBalance     Trigger = "balance"
	TriggerTrade       Trigger = "trade"
	TriggerPlacedOrder Trigger = "placed_order"
	TriggerStatus      Trigger = "status"
)

// Live message types sent to dashboard sessions.
const (
	MsgDataUpdate      = "data_update"
	MsgHeartBeats      = "heart_beats"
	MsgErrors          = "errors"
	MsgTrades          = "trades"
	MsgBotStatus       = "bot_status"
	MsgUpdateDashboard = "update_dashboard"
	MsgProfitsChart    = "profits_chart"
)

// Message is the envelope every live payload travels in.
type Message struct {
	Type string `json:"message_type"`
	Bot  int64  `json:"bot,omitempty"`
	Data any    `json:"data,omitempty"`
}
