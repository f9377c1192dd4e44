package graph

// 字节字段(nonce、人脸图像、签名)统一使用标准base64编码，时间使用RFC3339
const schemaString = `
type Challenge {
  id: ID!
  voterId: String!
  nonce: String!
  issuedAt: String!
  expiresAt: String!
}

type OtpIssue {
  issuedAt: String!
  expiresAt: String!
}

type Receipt {
  districtId: String!
  castAt: String!
  blockHash: String!
}

type SessionStatus {
  voterId: String!
  state: String!
  enteredAt: String!
  expiresAt: String!
  otpAttempts: Int!
}

type BlockDetails {
  index: Int!
  hash: String!
  previousHash: String!
  timestamp: String!
  districtId: String
}

type AuditResult {
  found: Boolean!
  block: BlockDetails
}

type CandidateTally {
  districtId: String!
  candidateId: String!
  votes: Int!
}

type ElectionStats {
  totalBallots: Int!
  tallies: [CandidateTally!]!
}

type AuditEvent {
  id: ID!
  eventType: String!
  voterId: String!
  description: String!
  occurredAt: String!
}

input BiometricInput {
  faceImage: String!
  fingerprintTemplate: String!
}

input CredentialInput {
  challengeId: ID!
  signature: String!
}

type Query {
  # 查询当前会话
  sessionStatus(voterId: String!): SessionStatus!

  # 按选民编号生成回执
  receipt(voterId: String!): Receipt!

  # 按区块哈希审计
  verifyBlock(hash: String!): AuditResult!

  blocks: [BlockDetails!]!
  stats: ElectionStats!
  chainValid: Boolean!
  electionActive: Boolean!

  # 仅审计员和管理员
  auditLogs(actorId: String!, limit: Int): [AuditEvent!]!
}

type Mutation {
  beginAuthentication(voterId: String!, identifier: String!): Challenge!
  submitCredentialResponse(voterId: String!, sample: BiometricInput!, response: CredentialInput!): Boolean!
  requestOtp(voterId: String!): OtpIssue!
  confirmOtp(voterId: String!, code: String!): Boolean!
  finalizeBallot(voterId: String!, candidateId: String!): Receipt!
  abandonSession(voterId: String!): Boolean!

  # 仅审计员和管理员
  setElectionActive(actorId: String!, active: Boolean!): Boolean!
}

schema {
  query: Query
  mutation: Mutation
}
`
