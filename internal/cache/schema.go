package cache

// Schema is the portable DDL shared by the SQLite and Postgres backends.
const Schema = `
CREATE TABLE IF NOT EXISTS tag_gallery (
	tag        TEXT NOT NULL,
	gallery    TEXT NOT NULL,
	scanned_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tag_gallery_tag ON tag_gallery(tag);
CREATE INDEX IF NOT EXISTS idx_tag_gallery_gallery ON tag_gallery(gallery);

CREATE TABLE IF NOT EXISTS galleries (
	gallery       TEXT PRIMARY KEY,
	raw_box_count INTEGER NOT NULL DEFAULT 0,
	box_count     INTEGER NOT NULL DEFAULT 0,
	img_count     INTEGER NOT NULL DEFAULT 0,
	vid_count     INTEGER NOT NULL DEFAULT 0,
	scanned_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS gallery_items (
	gallery TEXT NOT NULL,
	idx     INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	html    TEXT NOT NULL,
	PRIMARY KEY (gallery, idx, kind)
);
CREATE INDEX IF NOT EXISTS idx_gallery_items_gallery_kind ON gallery_items(gallery, kind);

CREATE TABLE IF NOT EXISTS history_tags (
	tag      TEXT PRIMARY KEY,
	added_at BIGINT NOT NULL
);
`
