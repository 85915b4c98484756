package models

import "time"

// DefaultSourceAddress is used when a channel is created without a source
// address.
const DefaultSourceAddress = "127.0.0.1"

// Channel is the durable record of a relay endpoint. CredentialHash is only
// populated by the registry's credential lookup and never leaves the process.
type Channel struct {
	URL               string    `json:"url"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	SourceAddress     string    `json:"sourceAddress"`
	SourcePort        int       `json:"sourcePort"`
	HeaderSize        int       `json:"headerSize"`
	SplitterCount     int       `json:"splitterCount"`
	SplitterPort      int       `json:"splitterPort"`
	MonitorPort       int       `json:"monitorPort"`
	SmartSourceClient bool      `json:"isSmartSourceClient"`
	CredentialHash    string    `json:"-"`
	Visible           bool      `json:"visible"`
	MonitorAddress    string    `json:"monitorAddress,omitempty"`
	ListenPort        int       `json:"listenPort,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Splitter is one worker of a channel's pool, identified by the pair
// (ChannelURL, Address).
type Splitter struct {
	ChannelURL string `json:"channelUrl"`
	Address    string `json:"address"`
	Available  bool   `json:"available"`
}

// ChannelSpec carries the caller supplied attributes of a channel creation
// request. Name and SplitterCount are required; the rest is optional.
type ChannelSpec struct {
	Name              string
	Description       string
	SourceAddress     string
	SourcePort        int
	HeaderSize        int
	SplitterCount     int
	SplitterPort      int
	MonitorPort       int
	SmartSourceClient bool
}

// CreationResponse is returned exactly once per created channel. Secret is the
// plaintext credential and is not recoverable afterwards.
type CreationResponse struct {
	URL               string   `json:"channelUrl"`
	Secret            string   `json:"channelPassword"`
	SplitterAddresses []string `json:"splitterAddress"`
	MonitorAddress    string   `json:"monitorAddress"`
	ListenPort        int      `json:"listenPort"`
}

// MetadataUpdate lists the mutable channel attributes.
type MetadataUpdate struct {
	Name        string
	Description string
}

// ChannelSummary is the registry's listing shape.
type ChannelSummary struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// ChannelListing is a summary enriched with the currently available splitters.
type ChannelListing struct {
	Name                       string   `json:"name"`
	URL                        string   `json:"url"`
	Description                string   `json:"description"`
	AvailableSplitterAddresses []string `json:"splitterAddress"`
}

// ChannelView is the single-channel read shape.
type ChannelView struct {
	Name                       string   `json:"name"`
	Description                string   `json:"description"`
	AvailableSplitterAddresses []string `json:"splitterAddress"`
}
