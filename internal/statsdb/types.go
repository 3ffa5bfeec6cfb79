package statsdb

import "time"

// TrafficEvent is one finished proxy connection as reported by a backend
// adapter. Dimension fields may be empty when the backend could not
// resolve them; empty dimensions are skipped on write. Country fields are
// filled in by geo enrichment before the event reaches the writer.
type TrafficEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	SourceIP    string    `json:"sourceIP"`
	IP          string    `json:"ip"`
	Domain      string    `json:"domain"`
	Chain       string    `json:"chain"`
	Rule        string    `json:"rule"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Country     string    `json:"country,omitempty"`
	CountryName string    `json:"countryName,omitempty"`
	Continent   string    `json:"continent,omitempty"`
}

// DomainStats is one domain's aggregate traffic.
type DomainStats struct {
	Domain           string   `json:"domain"`
	TotalUpload      int64    `json:"totalUpload"`
	TotalDownload    int64    `json:"totalDownload"`
	TotalConnections int64    `json:"totalConnections"`
	LastSeen         string   `json:"lastSeen"`
	IPs              []string `json:"ips"`
	Rules            []string `json:"rules"`
	Chains           []string `json:"chains"`
}

// IPStats is one destination IP's aggregate traffic.
type IPStats struct {
	IP               string   `json:"ip"`
	TotalUpload      int64    `json:"totalUpload"`
	TotalDownload    int64    `json:"totalDownload"`
	TotalConnections int64    `json:"totalConnections"`
	LastSeen         string   `json:"lastSeen"`
	Domains          []string `json:"domains"`
	Chains           []string `json:"chains"`
	Country          string   `json:"country,omitempty"`
	ASN              string   `json:"asn,omitempty"`
}

// CountryStats is one country's aggregate traffic.
type CountryStats struct {
	Country          string `json:"country"`
	CountryName      string `json:"countryName"`
	Continent        string `json:"continent"`
	TotalUpload      int64  `json:"totalUpload"`
	TotalDownload    int64  `json:"totalDownload"`
	TotalConnections int64  `json:"totalConnections"`
}

// DeviceStats is one device's (source IP's) aggregate traffic.
type DeviceStats struct {
	SourceIP         string `json:"sourceIP"`
	TotalUpload      int64  `json:"totalUpload"`
	TotalDownload    int64  `json:"totalDownload"`
	TotalConnections int64  `json:"totalConnections"`
	LastSeen         string `json:"lastSeen"`
}

// ProxyStats is one proxy chain's aggregate traffic.
type ProxyStats struct {
	Chain            string `json:"chain"`
	TotalUpload      int64  `json:"totalUpload"`
	TotalDownload    int64  `json:"totalDownload"`
	TotalConnections int64  `json:"totalConnections"`
	LastSeen         string `json:"lastSeen"`
}

// RuleStats is one routing rule's aggregate traffic.
type RuleStats struct {
	Rule             string `json:"rule"`
	TotalUpload      int64  `json:"totalUpload"`
	TotalDownload    int64  `json:"totalDownload"`
	TotalConnections int64  `json:"totalConnections"`
	LastSeen         string `json:"lastSeen"`
}

// HourlyStat is one hourly_stats row.
type HourlyStat struct {
	Hour        string `json:"hour"`
	Upload      int64  `json:"upload"`
	Download    int64  `json:"download"`
	Connections int64  `json:"connections"`
}

// TrendPoint is one bucket of a traffic trend series.
type TrendPoint struct {
	Time     string `json:"time"`
	Upload   int64  `json:"upload"`
	Download int64  `json:"download"`
}

// TrafficTotal is a summed traffic figure for a window.
type TrafficTotal struct {
	Upload      int64 `json:"upload"`
	Download    int64 `json:"download"`
	Connections int64 `json:"connections"`
}

// GeoIPRecord is one persisted geoip_cache row.
type GeoIPRecord struct {
	IP          string `json:"ip"`
	Country     string `json:"country"`
	CountryName string `json:"countryName"`
	Continent   string `json:"continent"`
	City        string `json:"city"`
	ASN         string `json:"asn"`
	ASName      string `json:"asName"`
}

// RetentionConfig is the persisted retention policy.
type RetentionConfig struct {
	ConnectionLogsDays int  `json:"connectionLogsDays"`
	HourlyStatsDays    int  `json:"hourlyStatsDays"`
	AutoCleanup        bool `json:"autoCleanup"`
}

// CleanupResult reports rows deleted per table family.
type CleanupResult struct {
	DeletedMinute     int64 `json:"deletedMinute"`
	DeletedHourly     int64 `json:"deletedHourly"`
	DeletedDomains    int64 `json:"deletedDomains"`
	DeletedIPs        int64 `json:"deletedIPs"`
	DeletedProxies    int64 `json:"deletedProxies"`
	DeletedRules      int64 `json:"deletedRules"`
	DeletedCumulative int64 `json:"deletedCumulative"`
	DeletedPairwise   int64 `json:"deletedPairwise"`
}

// CleanupStats describes what retention currently holds.
type CleanupStats struct {
	ConnectionLogsCount int64  `json:"connectionLogsCount"`
	HourlyStatsCount    int64  `json:"hourlyStatsCount"`
	OldestConnectionLog string `json:"oldestConnectionLog,omitempty"`
	OldestHourlyStat    string `json:"oldestHourlyStat,omitempty"`
}
