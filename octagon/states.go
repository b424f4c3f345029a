package octagon

// State names a trust state machine state. States are persisted by name.
type State string

const (
	StateNotStarted State = "NotStarted"
	StateHalted     State = "Halted"
	StateError      State = "Error"

	// Join, on both the acceptor and the initiator side.
	StateBeginClientJoin  State = "BeginClientJoin"
	StateEpochPrepared    State = "EpochPrepared"
	StateAwaitingIdentity State = "AwaitingIdentity"
	StateVoucherPrepared  State = "VoucherPrepared"
	StateDone             State = "Done"

	// Escrow recovery.
	StateBeginRecovery    State = "BeginRecovery"
	StateEscrowCollecting State = "EscrowCollecting"
	StateRecovered        State = "Recovered"
)

// AllStates lists every known state.
var AllStates = []State{
	StateNotStarted,
	StateHalted,
	StateError,
	StateBeginClientJoin,
	StateEpochPrepared,
	StateAwaitingIdentity,
	StateVoucherPrepared,
	StateDone,
	StateBeginRecovery,
	StateEscrowCollecting,
	StateRecovered,
}

func (s State) String() string {
	return string(s)
}

// Known reports whether s is one of AllStates.
func (s State) Known() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// restartable are the states a new join or recovery may begin from.
var restartable = []State{StateNotStarted, StateDone, StateRecovered, StateError}

func in(s State, set []State) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
