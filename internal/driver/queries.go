package driver

const upsertEntityQuery = `
MERGE (e:Entity {id: $id})
SET e.name = $name,
    e.entity_type = $entity_type,
    e.confidence = $confidence,
    e.state = $state,
    e.version = $version,
    e.updated_at = $updated_at
`

const deleteEntityQuery = `
MATCH (e:Entity {id: $id})
DETACH DELETE e
`

const upsertRelationQuery = `
MATCH (s:Entity {id: $source_id})
MATCH (t:Entity {id: $target_id})
MERGE (s)-[r:RELATES {id: $id}]->(t)
SET r.rel_type = $rel_type,
    r.confidence = $confidence,
    r.version = $version,
    r.updated_at = $updated_at
`

const deleteRelationQuery = `
MATCH ()-[r:RELATES {id: $id}]->()
DELETE r
`

const clearCommunitiesQuery = `
MATCH (c:Community)
DETACH DELETE c
`

const upsertCommunityQuery = `
CREATE (c:Community {id: $id, algorithm: $algorithm, stability: $stability})
WITH c
UNWIND $members AS member
MATCH (e:Entity {id: member})
MERGE (e)-[:MEMBER_OF]->(c)
`
