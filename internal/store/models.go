package store

import "time"

// SchemaVersion tracks the migrated schema revision, checked and written
// once on Open per §6.4.
type SchemaVersion struct {
	ID      uint `gorm:"primarykey"`
	Version int  `gorm:"not null"`
}

func (SchemaVersion) TableName() string { return "schema_version" }

const currentSchemaVersion = 1

// Message is the durable row backing rfmp.Msg (§3.1). Id is the
// content-addressed fingerprint hex string; mutation of from_node,
// timestamp, or body invalidates it, which is why those three fields
// are never updated in place once inserted.
type Message struct {
	ID            string `gorm:"primarykey;size:12"`
	FromNode      string `gorm:"index;size:20;not null"`
	Author        string `gorm:"size:32"`
	Timestamp     uint32 `gorm:"index;not null"`
	Channel       string `gorm:"index;size:32;not null"`
	Priority      uint8  `gorm:"not null"`
	ReplyTo       string `gorm:"size:12"`
	Body          []byte
	TransmittedAt *time.Time
	ReceivedAt    *time.Time
}

func (Message) TableName() string { return "messages" }

// Fragment is a single FRAG row, keyed by (from_node, msg_id, seq) per §4.5.
type Fragment struct {
	ID        uint   `gorm:"primarykey"`
	FromNode  string `gorm:"index:idx_fragment_key;size:20;not null"`
	MsgID     string `gorm:"index:idx_fragment_key;size:12;not null"`
	Seq       uint8  `gorm:"index:idx_fragment_key;not null"`
	Total     uint8  `gorm:"not null"`
	Payload   []byte
	UpdatedAt time.Time
}

func (Fragment) TableName() string { return "fragments" }

// TxPurpose enumerates the frame kinds a queue entry carries, per §3.1.
type TxPurpose string

const (
	PurposeMsg  TxPurpose = "MSG"
	PurposeFrag TxPurpose = "FRAG"
	PurposeSync TxPurpose = "SYNC"
	PurposeReq  TxPurpose = "REQ"
)

// TxQueueEntry is a pending or in-flight transmission per §4.8.
type TxQueueEntry struct {
	ID             string `gorm:"primarykey;size:36"` // uuid
	FrameBytes     []byte `gorm:"not null"`
	Priority       uint8  `gorm:"index;not null"`
	Purpose        TxPurpose `gorm:"size:8;not null"`
	EnqueuedAt     time.Time `gorm:"not null"`
	Attempts       int       `gorm:"not null;default:0"`
	NextEligibleAt time.Time `gorm:"index;not null"`
	LeasedUntil    *time.Time
}

func (TxQueueEntry) TableName() string { return "tx_queue" }

// SeenRow persists the seen-cache for cold-start rehydration (§3.2, §4.6).
type SeenRow struct {
	MsgID      string `gorm:"primarykey;size:12"`
	LastSeenAt time.Time `gorm:"index;not null"`
}

func (SeenRow) TableName() string { return "seen" }

// BloomWindowRow persists one rotating Bloom window (§4.7) so sync state
// survives a restart within W seconds.
type BloomWindowRow struct {
	WindowIndex uint8  `gorm:"primarykey"`
	OpenedAt    uint32 `gorm:"not null"`
	Salt        uint32 `gorm:"not null"`
	K           uint8  `gorm:"not null"`
	MLog2       uint8  `gorm:"not null"`
	Bits        []byte `gorm:"not null"`
	Count       uint32 `gorm:"not null"`
}

func (BloomWindowRow) TableName() string { return "bloom_windows" }

// Node tracks a peer callsign's activity (§3.1).
type Node struct {
	Callsign    string `gorm:"primarykey;size:20"`
	FirstSeen   time.Time `gorm:"not null"`
	LastSeen    time.Time `gorm:"index;not null"`
	PacketCount uint64    `gorm:"not null;default:0"`
}

func (Node) TableName() string { return "nodes" }

// Channel tracks a channel's activity (§3.1).
type Channel struct {
	Name         string `gorm:"primarykey;size:32"`
	MessageCount uint64 `gorm:"not null;default:0"`
	LastActivity time.Time `gorm:"index;not null"`
}

func (Channel) TableName() string { return "channels" }
