package iso7816

// TRANSACTION:
// A Transaction represents the atomic unit of communication defined in ISO 7816-3:
// one Command APDU (C-APDU) sent by the terminal, followed by one Response APDU (R-APDU)
// sent back by the card.
//
// TRACE:
// A Trace is a chronological sequence of Transactions. It captures the full history of a
// logical operation. A single logical intent (e.g., "Select File") may result in multiple
// physical transactions due to protocol mechanisms:
// 1. "61 XX" (Process Completed): The terminal must send a GET RESPONSE.
// 2. "6C XX" (Wrong Length): The terminal must re-send the command with Le = XX.
//
// In these cases, the Trace contains the entire conversation, IsSuccess() evaluates
// the final outcome and Response() rebuilds the logical response.

// Transaction represents a completed Command-Response pair.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess checks if the transaction ended with a successful status.
// It returns false if the response is missing.
func (t *Transaction) IsSuccess() bool {
	if t.Response == nil {
		return false
	}
	return t.Response.Status.IsSuccess()
}

// Trace is a sequence of transactions (Command-Response pairs).
type Trace []Transaction

// Last returns the final transaction of the trace.
// Returns nil if the trace is empty.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// IsSuccess checks if the FINAL transaction in the trace was successful.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	if last == nil {
		return false
	}
	return last.IsSuccess()
}

// Response assembles the logical response of the trace: the data of every
// transaction that belongs to the final answer, in order, and the final status.
// Data returned alongside a 6CXX is discarded since the command is re-issued.
// Returns nil if the trace is empty.
func (t Trace) Response() *ResponseAPDU {
	last := t.Last()
	if last == nil || last.Response == nil {
		return nil
	}

	var data []byte
	for _, tx := range t {
		if tx.Response == nil {
			continue
		}
		if tx.Response.Status.SW1() == 0x6C {
			data = data[:0]
			continue
		}
		data = append(data, tx.Response.Data...)
	}

	return &ResponseAPDU{Data: data, Status: last.Response.Status}
}
