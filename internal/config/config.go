package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

func Load() (Config, error) {
	cfg := Config{}

	cfg.Engine.RegistryPath = getEnv("NETBOOT_REGISTRY", "/etc/netbootd/registry.yaml")
	cfg.Engine.ArtifactRoot = getEnv("NETBOOT_ARTIFACT_ROOT", "/var/lib/netbootd/artifacts")
	cfg.Engine.MergeSeparator = getEnv("NETBOOT_MERGE_SEPARATOR", "\n")
	cfg.Engine.NATSURL = os.Getenv("NETBOOT_NATS_URL")
	cfg.Engine.AuditDSN = os.Getenv("NETBOOT_AUDIT_DSN")

	window, err := getEnvDuration("NETBOOT_SESSION_WINDOW", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.Engine.SessionWindow = window

	sweep, err := getEnvDuration("NETBOOT_SESSION_SWEEP", time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.Engine.SweepInterval = sweep

	cfg.DHCP.Enabled = getEnvBool("NETBOOT_ENABLE_DHCP", true)
	ifaceCandidates := getEnv("NETBOOT_DHCP_INTERFACE", "eth0,en0")
	if start := os.Getenv("NETBOOT_DHCP_RANGE_START"); start != "" {
		cfg.DHCP.RangeStart = net.ParseIP(start)
		if cfg.DHCP.RangeStart == nil {
			return Config{}, fmt.Errorf("invalid NETBOOT_DHCP_RANGE_START: %q", start)
		}
	}
	if end := os.Getenv("NETBOOT_DHCP_RANGE_END"); end != "" {
		cfg.DHCP.RangeEnd = net.ParseIP(end)
		if cfg.DHCP.RangeEnd == nil {
			return Config{}, fmt.Errorf("invalid NETBOOT_DHCP_RANGE_END: %q", end)
		}
	}
	if mask := os.Getenv("NETBOOT_DHCP_SUBNET_MASK"); mask != "" {
		ip := net.ParseIP(mask)
		if ip == nil {
			return Config{}, fmt.Errorf("invalid NETBOOT_DHCP_SUBNET_MASK: %q", mask)
		}
		cfg.DHCP.SubnetMask = net.IPMask(ip.To4())
	}
	if router := os.Getenv("NETBOOT_DHCP_ROUTER"); router != "" {
		cfg.DHCP.Router = net.ParseIP(router)
		if cfg.DHCP.Router == nil {
			return Config{}, fmt.Errorf("invalid NETBOOT_DHCP_ROUTER: %q", router)
		}
	}
	if dns := os.Getenv("NETBOOT_DHCP_DNS"); dns != "" {
		servers := strings.Split(dns, ",")
		cfg.DHCP.DNSServers = make([]net.IP, 0, len(servers))
		for _, s := range servers {
			ip := net.ParseIP(strings.TrimSpace(s))
			if ip == nil {
				return Config{}, fmt.Errorf("invalid DNS server %q", s)
			}
			cfg.DHCP.DNSServers = append(cfg.DHCP.DNSServers, ip)
		}
	}
	if lease := os.Getenv("NETBOOT_DHCP_LEASE_SECONDS"); lease != "" {
		secs, err := strconv.Atoi(lease)
		if err != nil || secs <= 0 {
			return Config{}, fmt.Errorf("invalid NETBOOT_DHCP_LEASE_SECONDS: %q", lease)
		}
		cfg.DHCP.LeaseTime = time.Duration(secs) * time.Second
	} else {
		cfg.DHCP.LeaseTime = 24 * time.Hour
	}
	if sip := os.Getenv("NETBOOT_DHCP_SERVER_IP"); sip != "" {
		cfg.DHCP.ServerIP = net.ParseIP(sip)
		if cfg.DHCP.ServerIP == nil {
			return Config{}, fmt.Errorf("invalid NETBOOT_DHCP_SERVER_IP: %q", sip)
		}
	}
	if ns := os.Getenv("NETBOOT_DHCP_NEXT_SERVER"); ns != "" {
		cfg.DHCP.NextServer = net.ParseIP(ns)
		if cfg.DHCP.NextServer == nil {
			return Config{}, fmt.Errorf("invalid NETBOOT_DHCP_NEXT_SERVER: %q", ns)
		}
	}
	cfg.DHCP.BootFilename = getEnv("NETBOOT_DHCP_BOOT_FILE", "undionly.kpxe")

	if cfg.DHCP.Enabled {
		resolvedInterface, err := resolveDHCPInterface(ifaceCandidates, cfg.DHCP.ServerIP)
		if err != nil {
			return Config{}, err
		}
		cfg.DHCP.Interface = resolvedInterface

		if cfg.DHCP.RangeStart == nil || cfg.DHCP.RangeEnd == nil {
			return Config{}, fmt.Errorf("NETBOOT_DHCP_RANGE_START and NETBOOT_DHCP_RANGE_END are required when DHCP is enabled")
		}
		if cfg.DHCP.RangeStart.To4() == nil || cfg.DHCP.RangeEnd.To4() == nil {
			return Config{}, fmt.Errorf("NETBOOT_DHCP range must be IPv4 addresses")
		}
		if bytesCompare(cfg.DHCP.RangeStart.To4(), cfg.DHCP.RangeEnd.To4()) > 0 {
			return Config{}, fmt.Errorf("NETBOOT_DHCP_RANGE_START must be <= NETBOOT_DHCP_RANGE_END")
		}
		if cfg.DHCP.ServerIP == nil {
			return Config{}, fmt.Errorf("NETBOOT_DHCP_SERVER_IP is required when DHCP is enabled")
		}
		if cfg.DHCP.ServerIP.To4() == nil {
			return Config{}, fmt.Errorf("NETBOOT_DHCP_SERVER_IP must be an IPv4 address")
		}
		if cfg.DHCP.SubnetMask == nil {
			cfg.DHCP.SubnetMask = cfg.DHCP.RangeStart.DefaultMask()
		}
		if cfg.DHCP.Router == nil {
			cfg.DHCP.Router = cfg.DHCP.ServerIP
		}
	}

	cfg.TFTP.Enabled = getEnvBool("NETBOOT_ENABLE_TFTP", true)
	cfg.TFTP.Address = getEnv("NETBOOT_TFTP_ADDRESS", ":69")
	cfg.TFTP.RootDir = getEnv("NETBOOT_TFTP_ROOT", "/var/lib/netbootd/tftpboot")
	cfg.TFTP.TimeoutSec = getEnvInt("NETBOOT_TFTP_TIMEOUT", 5)

	cfg.HTTP.Port = getEnvInt("NETBOOT_HTTP_PORT", 8080)
	cfg.HTTP.BaseURL = os.Getenv("NETBOOT_HTTP_BASE_URL")
	if cfg.HTTP.BaseURL == "" {
		if cfg.DHCP.ServerIP != nil {
			cfg.HTTP.BaseURL = fmt.Sprintf("http://%s:%d", cfg.DHCP.ServerIP, cfg.HTTP.Port)
		} else {
			return Config{}, fmt.Errorf("NETBOOT_HTTP_BASE_URL is required when NETBOOT_DHCP_SERVER_IP is not set")
		}
	}
	cfg.HTTP.BaseURL = strings.TrimRight(cfg.HTTP.BaseURL, "/")

	return cfg, nil
}

func bytesCompare(a, b net.IP) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	aa := a.To4()
	bb := b.To4()
	if aa == nil || bb == nil {
		return strings.Compare(a.String(), b.String())
	}
	for i := 0; i < len(aa); i++ {
		if aa[i] < bb[i] {
			return -1
		}
		if aa[i] > bb[i] {
			return 1
		}
	}
	return 0
}

func resolveDHCPInterface(spec string, serverIP net.IP) (string, error) {
	candidates := strings.Split(spec, ",")
	trimmed := make([]string, 0, len(candidates))
	for _, c := range candidates {
		name := strings.TrimSpace(c)
		if name == "" {
			continue
		}
		trimmed = append(trimmed, name)
	}

	tryAuto := false
	if len(trimmed) == 0 {
		tryAuto = true
	} else {
		next := make([]string, 0, len(trimmed))
		for _, name := range trimmed {
			if strings.EqualFold(name, "auto") {
				tryAuto = true
				continue
			}
			next = append(next, name)
		}
		trimmed = next
	}

	if tryAuto {
		if serverIP == nil {
			return "", fmt.Errorf("NETBOOT_DHCP_INTERFACE=auto requires NETBOOT_DHCP_SERVER_IP")
		}
		return interfaceByIP(serverIP)
	}

	for _, name := range trimmed {
		if _, err := net.InterfaceByName(name); err == nil {
			return name, nil
		}
	}

	availableIfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("resolve NETBOOT_DHCP_INTERFACE: candidates %q not found and unable to list interfaces: %w", trimmed, err)
	}
	available := make([]string, 0, len(availableIfaces))
	for _, iface := range availableIfaces {
		available = append(available, iface.Name)
	}
	return "", fmt.Errorf("resolve NETBOOT_DHCP_INTERFACE: none of the candidates %q are present on this host (available: %s)", trimmed, strings.Join(available, ", "))
}

func interfaceByIP(ip net.IP) (string, error) {
	if ip == nil {
		return "", fmt.Errorf("cannot resolve interface for nil IP")
	}
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var candidate net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				candidate = v.IP
			case *net.IPAddr:
				candidate = v.IP
			}
			if candidate == nil {
				continue
			}
			if candidate.To4() != nil && candidate.Equal(ip) {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no network interface found with address %s", ip.String())
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
