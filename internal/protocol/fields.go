package protocol

import "slotkv/internal/status"

// Positional command field indices per opcode. Arguments are typed by
// position; numeric fields are decimal ASCII.

// PUT: the value itself travels in the payload region, not the command.
const (
	PutKey = iota
	PutCurPayloadSize
	PutOffset
	putFieldCount
)

const (
	GetKey = iota
	GetSize
	GetOffset
	GetAsking
	getFieldCount
)

const (
	GetResponseSize = iota
	GetResponseOffset
	getResponseFieldCount
)

const (
	EraseKey = iota
	EraseAsking
	eraseFieldCount
)

const (
	MeetIP = iota
	MeetClientPort
	MeetClusterPort
	MeetName
	meetFieldCount
)

// MOVE, ASK and NO_ASKING_ERROR share the redirect shape.
const (
	RedirectIP = iota
	RedirectClientPort
	redirectFieldCount
)

// MIGRATE_SLOT and IMPORT_SLOT share the migration-control shape.
const (
	MigrationSlot = iota
	MigrationOtherIP
	MigrationOtherClientPort
	migrationFieldCount
)

const (
	MigrationFinishedSlot = iota
	migrationFinishedFieldCount
)

const (
	PingNodeCount = iota
	PingSlotCount
	pingFieldCount
)

var fieldCounts = map[Instruction]int{
	InsPut:                      putFieldCount,
	InsGet:                      getFieldCount,
	InsErase:                    eraseFieldCount,
	InsGetResponse:              getResponseFieldCount,
	InsMeet:                     meetFieldCount,
	InsMove:                     redirectFieldCount,
	InsAsk:                      redirectFieldCount,
	InsNoAskingError:            redirectFieldCount,
	InsMigrateSlot:              migrationFieldCount,
	InsImportSlot:               migrationFieldCount,
	InsClusterMigrationFinished: migrationFinishedFieldCount,
	InsClusterPing:              pingFieldCount,
	InsGetSlots:                 0,
	InsOKResponse:               0,
	InsErrorResponse:            0,
}

// CheckArgc validates the argument count for an instruction before its
// handler touches any field.
func CheckArgc(command Command, ins Instruction) status.Status {
	want, known := fieldCounts[ins]
	if !known {
		return status.InvalidArgument("Unknown instruction")
	}
	if len(command) != want {
		return status.InvalidArgument("Wrong number of arguments for " + ins.String())
	}
	return status.OK()
}
