package pmac

import "fmt"

// ErrCode is an error code returned by the controller as "ERRnnn"
type ErrCode int

// errCodes maps controller error codes to their meaning
var errCodes = map[ErrCode]string{
	1:  "command not allowed during program execution",
	2:  "password error",
	3:  "data error or unrecognized command",
	4:  "illegal character",
	5:  "command not allowed unless buffer is open",
	6:  "no room in buffer for command",
	7:  "buffer already in use",
	8:  "MACRO auxiliary communications error",
	9:  "program structural error",
	10: "both overtravel limits set for a motor in the coordinate system",
	11: "previous move not completed",
	12: "a motor in the coordinate system is open-loop",
	13: "a motor in the coordinate system is not activated",
	14: "no motors in the coordinate system",
	15: "not pointing to valid program buffer",
	16: "running improperly structured program",
	17: "trying to resume after stop with motors out of stopped position",
	18: "attempt to perform phase reference during move",
	19: "illegal position-change command while moves stored in buffer",
}

func (e ErrCode) Error() string {
	if s, ok := errCodes[e]; ok {
		return fmt.Sprintf("ERR%03d: %s", int(e), s)
	}
	return fmt.Sprintf("ERR%03d: unknown error", int(e))
}

// ProgramFault is generated when the grid program stops with a nonzero
// fault word
type ProgramFault struct {
	Code int
}

// faultCodes maps the fault word written by the grid program on exit
var faultCodes = map[int]string{
	1: "following error",
	2: "amplifier fault",
	3: "hardware limit hit",
	4: "aborted",
	5: "trigger output timeout",
}

func (e ProgramFault) Error() string {
	if s, ok := faultCodes[e.Code]; ok {
		return fmt.Sprintf("grid program fault %d: %s", e.Code, s)
	}
	return fmt.Sprintf("grid program fault %d", e.Code)
}
