package models

import "strings"

// ServerSettings describes one incoming or outgoing mail server
type ServerSettings struct {
	Type           string   `json:"type"`
	Hostname       string   `json:"hostname"`
	Port           int      `json:"port"`
	SocketType     string   `json:"socket_type"`
	Username       string   `json:"username,omitempty"`
	Authentication []string `json:"authentication"`
}

// ISPConfig is the mail server configuration returned by the host's ISP lookup
type ISPConfig struct {
	Domain      string           `json:"domain"`
	ProviderID  string           `json:"provider_id"`
	DisplayName string           `json:"display_name"`
	Incoming    []ServerSettings `json:"incoming"`
	Outgoing    []ServerSettings `json:"outgoing"`
}

// SupportsOAuth2 reports whether any server advertises OAuth2 authentication
func (c *ISPConfig) SupportsOAuth2() bool {
	for _, servers := range [][]ServerSettings{c.Incoming, c.Outgoing} {
		for _, s := range servers {
			for _, auth := range s.Authentication {
				if strings.EqualFold(auth, "OAuth2") {
					return true
				}
			}
		}
	}
	return false
}
