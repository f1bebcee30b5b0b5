package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/secure-element/pkg/tlv"
)

// SELECT RESULT ANALYSIS:
// A SELECT may take several transactions on the wire (61XX, 6CXX). SelectResult
// folds the trace back into the single answer the application asked for and
// offers FCI parsing plus a human-readable report.

// SelectResult represents the outcome of a SELECT command execution.
type SelectResult struct {
	Trace
}

// NewSelectResult creates a SelectResult from a raw transaction trace.
// It validates that the trace is not empty and that the logical operation
// started with a SELECT command (INS 0xA4).
func NewSelectResult(t Trace) (*SelectResult, error) {
	if len(t) == 0 {
		return nil, fmt.Errorf("cannot create result from empty trace")
	}

	if t[0].Command.Instruction.Raw != INS_SELECT {
		return nil, fmt.Errorf("trace must start with SELECT command (got %02X)", t[0].Command.Instruction.Raw)
	}

	return &SelectResult{Trace: t}, nil
}

// Status returns the final status word of the selection.
func (r *SelectResult) Status() StatusWord {
	return r.Response().Status
}

// IsAccepted reports whether the application was selected. Warnings
// (62XX, 63XX) still select the application.
func (r *SelectResult) IsAccepted() bool {
	return r.Status().IsSelectAccepted()
}

// Bytes returns the assembled response data followed by SW1 SW2.
func (r *SelectResult) Bytes() []byte {
	return r.Response().Bytes()
}

// FCI parses the File Control Information from the assembled response data,
// interpreted according to the P2 parameter of the initial SELECT command.
func (r *SelectResult) FCI() (*FileControlInfo, error) {
	if !r.IsAccepted() {
		return nil, fmt.Errorf("selection failed, cannot parse FCI")
	}

	resp := r.Response()
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no response data found")
	}

	return ParseSelectData(resp.Data, r.Trace[0].Command.P2)
}

// Describe generates an ASCII report of the selection: the request, the
// transactions the protocol needed and the parsed FCI fields.
func (r *SelectResult) Describe() string {
	var sb strings.Builder

	sb.WriteString("=== SELECT COMMAND REPORT ===\n")

	cmd := r.Trace[0].Command
	method := SelectionMethod(cmd.P1)
	occ := FileOccurrence(cmd.P2 & 0x03)
	ctrl := SelectionControl(cmd.P2 & 0x0C)

	fmt.Fprintf(&sb, "[1] Command: SELECT FILE on channel %d\n", cmd.Class.Channel)
	fmt.Fprintf(&sb, "    + Method:  %02X -> %s\n", cmd.P1, method)
	fmt.Fprintf(&sb, "    + Control: %02X -> %s | %s\n", cmd.P2, occ, ctrl)
	if len(cmd.Data) > 0 {
		fmt.Fprintf(&sb, "    + Data:    %X (%q)\n", cmd.Data, tlv.MakeSafeASCII(cmd.Data))
	}

	for i, tx := range r.Trace {
		if tx.Response == nil {
			continue
		}
		fmt.Fprintf(&sb, "    + Step %d:  %s -> [%04X] %s\n",
			i+1, tx.Command.Instruction.Raw, uint16(tx.Response.Status), describeStep(tx.Response.Status))
	}

	resp := r.Response()
	sb.WriteString("\n[=] FINAL OUTCOME:\n")
	fmt.Fprintf(&sb, "    - Status:  %04X %s\n", uint16(resp.Status), resp.Status)
	if len(resp.Data) > 0 {
		fmt.Fprintf(&sb, "    - Payload: %d bytes\n", len(resp.Data))
		fmt.Fprintf(&sb, "      Dump:    %X\n", resp.Data)
	}

	fci, err := r.FCI()
	if err != nil {
		if len(resp.Data) > 0 {
			fmt.Fprintf(&sb, "    - FCI Parsing Failed: %v\n", err)
		} else {
			sb.WriteString("    - No Data returned to parse.\n")
		}
		return sb.String()
	}
	if fci == nil {
		return sb.String()
	}

	var fields strings.Builder
	tlv.WriteStructFields(&fields, "FCP", fci.FCP)
	tlv.WriteStructFields(&fields, "FMD", fci.FMD)
	if fields.Len() > 0 {
		sb.WriteString(fields.String())
		sb.WriteString("\n")
	}
	if len(fci.ProprietaryRawData) > 0 {
		fmt.Fprintf(&sb, "    - Proprietary: %X\n", fci.ProprietaryRawData)
	}

	return sb.String()
}

func describeStep(sw StatusWord) string {
	switch sw.SW1() {
	case 0x61:
		return fmt.Sprintf("%d bytes still available", sw.SW2())
	case 0x6C:
		return fmt.Sprintf("wrong length, correct is %d", sw.SW2())
	}
	return sw.String()
}
