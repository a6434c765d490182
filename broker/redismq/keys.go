package redismq

// Redis key naming conventions for broker data.
// All keys are prefixed with "scmq:" to avoid collisions.

const keyPrefix = "scmq:"

// jobKey returns the key for a job hash: scmq:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// laneKey returns the Sorted Set of claimable jobs: scmq:lane:{name}
func laneKey(name string) string { return keyPrefix + "lane:" + name }

// deferredKey returns the Sorted Set of deferred jobs: scmq:deferred:{name}
func deferredKey(name string) string { return keyPrefix + "deferred:" + name }

// scheduleKey returns the key for a recurring schedule hash: scmq:schedule:{id}
func scheduleKey(id string) string { return keyPrefix + "schedule:" + id }

// scheduleIDsKey is the Set tracking all schedule IDs for enumeration.
const scheduleIDsKey = keyPrefix + "schedule_ids"

// seqKey is the counter producing broker job IDs.
const seqKey = keyPrefix + "seq"
