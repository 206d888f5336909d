// Package metrics defines lightweight counters, gauges and stopwatches whose
// records are forwarded to pluggable reporters such as Prometheus.
package metrics

// Policy defines how multiple values of the same metric are combined.
type Policy int

const (
	Policy_None      Policy = iota // Policy_None leaves aggregation to the reporter.
	Policy_Set                     // Policy_Set keeps the last reported value.
	Policy_Sum                     // Policy_Sum adds reported values.
	Policy_Avg                     // Policy_Avg averages reported values.
	Policy_Max                     // Policy_Max keeps the largest reported value.
	Policy_Stopwatch               // Policy_Stopwatch averages durations in milliseconds.
)

// Value represents a metric value.
type Value float64

// Dimension holds the labels attached to one record.
type Dimension map[string]string

// KB is a kilobyte, for size metrics reported in KB.
const KB = 1024.0

// Group related constants, prefixed with Group.
const (
	// GroupConduit groups every session and pipeline metric.
	GroupConduit = "conduit"
	// GroupDemo groups the demo game server's metrics.
	GroupDemo = "demo"
)

// Metric names. The comment lists the dimensions each one is reported with.
const (
	// NamePoolCreateTotal counts objects a pool had to allocate because it
	// was empty. dimension:poolname
	NamePoolCreateTotal = "pool_create_total"

	// NameSessionOpenTotal counts connections bound to a transport.
	// dimension:transport
	NameSessionOpenTotal = "session_open_total"

	// NameSessionCloseTotal counts connections whose disconnection was
	// handled. dimension:reason
	NameSessionCloseTotal = "session_close_total"

	// NameSessionActive is the number of live connections owned by a server.
	NameSessionActive = "session_active"

	// NamePacketSentTotal counts packets written. dimension:phase
	NamePacketSentTotal = "packet_sent_total"

	// NamePacketRecvTotal counts packets dispatched to a listener.
	// dimension:phase
	NamePacketRecvTotal = "packet_recv_total"

	// NamePacketSentPerSecAvg is the smoothed per-second send rate.
	NamePacketSentPerSecAvg = "packet_sent_per_sec_avg"

	// NamePacketRecvPerSecAvg is the smoothed per-second receive rate.
	NamePacketRecvPerSecAvg = "packet_recv_per_sec_avg"

	// NamePacketDroppedTotal counts packets discarded without ending the
	// session. dimension:reason
	NamePacketDroppedTotal = "packet_dropped_total"

	// NameFaultTotal counts faults classified by a connection.
	// dimension:fault
	NameFaultTotal = "fault_total"

	// NameSpamKickTotal counts connections terminated by the rate limiter.
	NameSpamKickTotal = "spam_kick_total"

	// NameFrameInBytes is the average size of inbound frames. dimension:transport
	NameFrameInBytes = "frame_in_bytes_avg"

	// NameFrameOutBytes is the average size of outbound frames.
	// dimension:transport
	NameFrameOutBytes = "frame_out_bytes_avg"

	// NameFrameSizeMaxKB is the largest frame seen in KB. dimension:transport
	NameFrameSizeMaxKB = "frame_size_max_KB"

	// NameCompressRatioAvg is compressed size over original size for frames
	// that were deflated.
	NameCompressRatioAvg = "compress_ratio_avg"

	// NameTickProcessTime is the time a connection tick takes in ms.
	NameTickProcessTime = "tick_process_time"

	// NameProtocolSwitchTotal counts protocol descriptor swaps.
	// dimension:phase
	NameProtocolSwitchTotal = "protocol_switch_total"

	// NameAcceptTotal counts accepted transport links. dimension:transport
	NameAcceptTotal = "accept_total"

	// NameMailboxFullTotal counts actions that found a connection's mailbox
	// full and waited in its overflow queue.
	NameMailboxFullTotal = "mailbox_full_total"

	// NameLoginTotal counts finished logins. dimension:result
	NameLoginTotal = "login_total"
	// NameChatTotal counts chat messages broadcast by the demo server.
	NameChatTotal = "chat_total"
	// NamePlayersOnline is the number of players in the play phase.
	NamePlayersOnline = "players_online"
)

// Dimension keys, prefixed with Dim.
const (
	DimPoolName  = "poolname"
	DimTransport = "transport"
	DimReason    = "reason"
	DimPhase     = "phase"
	DimFault     = "fault"
	DimResult    = "result"
)
