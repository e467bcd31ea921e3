// Package codec implements the Tuya BLE wire format: datapoint TLV payloads,
// frame headers with CRC-16 checksums, and fragmentation of payloads that do
// not fit in one GATT write.
//
// # Frame Layout
//
// Every BLE write or notification carries exactly one frame:
//
//	+---------+---------+-------+-------+--------+---------+--------+
//	| seq     | command | index | total | length | payload | crc16  |
//	| 2 or 4  | 2       | 1     | 1     | 2      | length  | 2      |
//	+---------+---------+-------+-------+--------+---------+--------+
//
// The sequence number is 2 bytes for protocol version 2 and 4 bytes for
// version 3. All integers are big-endian. The checksum is CRC-16/MODBUS
// over every preceding byte of the frame.
//
// # Datapoint Payload
//
// A logical message (the payloads of all fragments concatenated in index
// order) carrying datapoints is a back-to-back sequence of entries:
//
//	+----+------+--------+-------+
//	| id | type | length | value |
//	| 1  | 1    | 2      | n     |
//	+----+------+--------+-------+
package codec
