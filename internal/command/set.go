package command

import (
	"fmt"
	"strconv"
	"time"
)

// ParseSet validates and decomposes a SET command's arguments: key, value,
// and an optional "PX <ms>" lifetime. It is shared by the client-facing SET
// handler and the replica's application of propagated SET frames, so both
// compute the same absolute deadline.
func ParseSet(args []string) (key, value string, deadline *time.Time, err error) {
	if len(args) != 2 && len(args) != 4 {
		return "", "", nil, fmt.Errorf("ERR wrong number of arguments for 'set' command")
	}
	key, value = args[0], args[1]
	if len(args) == 4 {
		if upper(args[2]) != "PX" {
			return "", "", nil, fmt.Errorf("ERR syntax error")
		}
		ms, convErr := strconv.ParseInt(args[3], 10, 64)
		if convErr != nil {
			return "", "", nil, fmt.Errorf("ERR value is not an integer or out of range")
		}
		t := time.Now().Add(time.Duration(ms) * time.Millisecond)
		deadline = &t
	}
	return key, value, deadline, nil
}

func upper(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
