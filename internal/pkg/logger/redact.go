package logger

// RedactPhone masks a phone number for safe logging, keeping the country
// prefix and the last two digits: "+4915112345678" becomes "+49***78".
// Numbers too short to mask meaningfully are fully masked.
func RedactPhone(phone string) string {
	if len(phone) < 6 {
		return "***"
	}
	prefix := 3
	if phone[0] == '+' {
		prefix = 4
	}
	return phone[:prefix] + "***" + phone[len(phone)-2:]
}
