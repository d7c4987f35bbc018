package domain

import "time"

// DigestStatus tracks whether a digest was only generated or also delivered.
type DigestStatus string

const (
	DigestGenerated DigestStatus = "generated"
	DigestSent      DigestStatus = "sent"
)

// Digest is one generated report cycle. Rows are append-only.
type Digest struct {
	ID           int64
	SentAt       time.Time
	ItemCount    int
	UrgentCount  int
	Recipient    string
	Fingerprint  string
	Status       DigestStatus
	ArtifactPath string
}

// Publication describes where a published artifact ended up.
type Publication struct {
	PrimaryLocation string
	ArchiveLocation string
}

// RepositoryStats summarises repository contents.
type RepositoryStats struct {
	ItemsByStatus map[ItemStatus]int
	Digests       int
	LastDigest    *Digest
}
