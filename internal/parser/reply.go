package parser

import "strings"

// Replies travel one per line. Backslashes, carriage returns and newlines in
// a reply are escaped so values holding them keep the framing intact.
var (
	replyEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)
	replyUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r")
)

// EncodeReply escapes a reply for the line protocol.
func EncodeReply(reply []byte) []byte {
	return []byte(replyEscaper.Replace(string(reply)))
}

// DecodeReply reverses EncodeReply on a reply line without its newline.
func DecodeReply(line string) string {
	return replyUnescaper.Replace(line)
}
