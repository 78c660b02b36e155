package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Venue 交易终端类型
type Venue string

const (
	VenueTWS     Venue = "TWS"
	VenueGateway Venue = "GATEWAY"
)

// MoneyKind 资金类型
type MoneyKind string

const (
	MoneyPaper MoneyKind = "PAPER"
	MoneyLive  MoneyKind = "LIVE"
)

const DefaultHost = "127.0.0.1"

// ConnectionProfile 连接配置（不可变值）
//
// 运行时切换 profile = 拆掉旧的 worker/reader，再用新 profile 重建；
// 不允许修改一个正在被 session 使用的 profile。
type ConnectionProfile struct {
	Venue    Venue     `json:"venue" yaml:"venue"`
	Money    MoneyKind `json:"money" yaml:"money"`
	Host     string    `json:"host" yaml:"host"`
	Port     int       `json:"port" yaml:"port"`
	ClientID int       `json:"client_id" yaml:"client_id"`
}

// CanonicalPort 返回 venue + money 对应的默认端口
func CanonicalPort(venue Venue, money MoneyKind) (int, error) {
	switch {
	case venue == VenueTWS && money == MoneyPaper:
		return 7497, nil
	case venue == VenueTWS && money == MoneyLive:
		return 7496, nil
	case venue == VenueGateway && money == MoneyPaper:
		return 4002, nil
	case venue == VenueGateway && money == MoneyLive:
		return 4001, nil
	}
	return 0, fmt.Errorf("unknown venue/money combination %q/%q", venue, money)
}

// NewProfile 构造 profile；port 为 0 时使用默认端口
func NewProfile(venue Venue, money MoneyKind, host string, port, clientID int) (ConnectionProfile, error) {
	venue = Venue(strings.ToUpper(string(venue)))
	money = MoneyKind(strings.ToUpper(string(money)))
	canonical, err := CanonicalPort(venue, money)
	if err != nil {
		return ConnectionProfile{}, err
	}
	if port == 0 {
		port = canonical
	}
	if host == "" {
		host = DefaultHost
	}
	p := ConnectionProfile{Venue: venue, Money: money, Host: host, Port: port, ClientID: clientID}
	return p, p.Validate()
}

// CanonicalProfiles 四个预置 profile（TWS/Gateway × Paper/Live）
func CanonicalProfiles(host string, clientID int) []ConnectionProfile {
	out := make([]ConnectionProfile, 0, 4)
	for _, v := range []Venue{VenueTWS, VenueGateway} {
		for _, m := range []MoneyKind{MoneyPaper, MoneyLive} {
			p, _ := NewProfile(v, m, host, 0, clientID)
			out = append(out, p)
		}
	}
	return out
}

// Validate 校验 profile
func (p ConnectionProfile) Validate() error {
	if _, err := CanonicalPort(p.Venue, p.Money); err != nil {
		return err
	}
	if p.Host == "" {
		return fmt.Errorf("profile host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid profile port %d", p.Port)
	}
	if p.ClientID < 0 {
		return fmt.Errorf("invalid client id %d", p.ClientID)
	}
	return nil
}

// IsLive 是否为真实资金
func (p ConnectionProfile) IsLive() bool {
	return p.Money == MoneyLive
}

// Label 可读名称，例如 "TWS Paper (127.0.0.1:7497, client 1)"
func (p ConnectionProfile) Label() string {
	venue := "TWS"
	if p.Venue == VenueGateway {
		venue = "IB Gateway"
	}
	money := "Paper"
	if p.IsLive() {
		money = "Live"
	}
	return fmt.Sprintf("%s %s (%s, client %d)", venue, money, p.GatewayKey(), p.ClientID)
}

// SafetyLabel 真实资金时的警告文本；模拟盘返回空串
func (p ConnectionProfile) SafetyLabel() string {
	if !p.IsLive() {
		return ""
	}
	return "LIVE TRADING - REAL MONEY"
}

// WithClientID 派生同一 gateway 上另一个 session 的 profile
func (p ConnectionProfile) WithClientID(id int) ConnectionProfile {
	p.ClientID = id
	return p
}

// GatewayKey host:port，用来判断是不是"同一个 gateway"
func (p ConnectionProfile) GatewayKey() string {
	return net.JoinHostPort(strings.ToLower(p.Host), strconv.Itoa(p.Port))
}

func (p ConnectionProfile) String() string {
	return p.Label()
}
