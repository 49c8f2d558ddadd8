package config

import (
	"net"
	"time"
)

type Config struct {
	Engine EngineConfig
	DHCP   DHCPConfig
	TFTP   TFTPConfig
	HTTP   HTTPConfig
}

// EngineConfig covers the registry, artifact store, resolver, and
// session bookkeeping shared by every front end.
type EngineConfig struct {
	RegistryPath   string
	ArtifactRoot   string
	MergeSeparator string
	SessionWindow  time.Duration
	SweepInterval  time.Duration
	NATSURL        string
	AuditDSN       string
}

type DHCPConfig struct {
	Enabled      bool
	Interface    string
	RangeStart   net.IP
	RangeEnd     net.IP
	SubnetMask   net.IPMask
	Router       net.IP
	DNSServers   []net.IP
	LeaseTime    time.Duration
	ServerIP     net.IP
	NextServer   net.IP
	BootFilename string
}

type TFTPConfig struct {
	Enabled    bool
	Address    string
	RootDir    string
	TimeoutSec int
}

type HTTPConfig struct {
	Port    int
	BaseURL string
}
