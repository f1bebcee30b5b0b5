/*
Package iso7816 implements the APDU layer used to talk to secure elements according to ISO/IEC 7816-4.

It provides Command and Response structures, CLA byte encoding for logical channels, Status Word (SW) analysis,
the MANAGE CHANNEL and SELECT commands, and parsers for File Control Information (FCI).

# Fundamentals

The communication with a card is strictly synchronous:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The Card processes it and returns a Response APDU (Optional Body + Trailer SW1/SW2).

# Logical Channels

The CLA byte carries the logical channel a command is addressed to. Channels 0-3 use the first
interindustry encoding, channels 4-19 the further interindustry encoding. Class.WithChannel rewrites
a CLA for another channel while preserving chaining and secure messaging indications.

# Status Words

Every response ends with a 2-byte Status Word (SW).
  - 0x9000: Success (OK).
  - 0x61XX: Success, but response data is still available (XX bytes).
  - 0x6CXX: Error, wrong length expectation (XX is the correct length).
  - Other: Various error conditions.

The Client resolves 61XX and 6CXX automatically, so callers see one logical response per command.

# Usage Example: Selecting an Application on Channel 1

	cla, _ := iso7816.NewInterindustryClass(false, iso7816.SMNone, 1)
	client := iso7816.NewClient(card)

	trace, err := client.Send(ctx, iso7816.SelectByAID(cla, aid))
	if err != nil {
	    log.Fatal(err)
	}

	result, err := iso7816.NewSelectResult(trace)
	if err != nil {
	    log.Fatal(err)
	}
	if result.IsAccepted() {
	    fmt.Printf("Select response: %X\n", result.Bytes())
	}
	fmt.Println(result.Describe())
*/
package iso7816
