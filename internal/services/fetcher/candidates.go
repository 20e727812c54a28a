package fetcher

// ISPDBURL is the last-resort autoconfig database queried for every domain
const ISPDBURL = "https://autoconfig.thunderbird.net/v1.1/"

// CandidateURLs lists the autoconfig locations for domain in the order they are tried.
// domain must already be normalized.
func CandidateURLs(domain string) []string {
	return []string{
		"https://autoconfig." + domain + "/mail/config-v1.1.xml?emailaddress=user@" + domain,
		"https://" + domain + "/.well-known/autoconfig/mail/config-v1.1.xml",
		ISPDBURL + domain,
	}
}
