package dhcp

import (
	"log"
	"net"
	"sync"
	"time"

	"netbootd/internal/config"
	"netbootd/internal/match"
	"netbootd/internal/session"
)

type Server struct {
	cfg     config.DHCPConfig
	logger  *log.Logger
	handler *handler
}

type handler struct {
	cfg      config.DHCPConfig
	logger   *log.Logger
	matcher  *match.Matcher
	sessions *session.Manager
	baseURL  string

	mu        sync.Mutex
	leases    map[string]lease
	nextIP    net.IP
	startIP   net.IP
	endIP     net.IP
	leaseTime time.Duration
}

type lease struct {
	ip        net.IP
	expiresAt time.Time
}
