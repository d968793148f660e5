// Package bandwidth accounts for bytes downloaded, uploaded and relayed on
// behalf of others, and derives how much relaying this node owes.
//
// The ledger feeds the relay policy: a node that has consumed more
// anonymized bandwidth than it has relayed accepts more relay circuits until
// its contribution is proportional again. Exchanged bytes are attested in a
// per-creator hash chain of signed blocks.
package bandwidth
